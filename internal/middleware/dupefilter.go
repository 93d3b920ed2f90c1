package middleware

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetherweb/crawlcore/internal/crawl"
)

// DuplicateFilter short-circuits requests whose fingerprint was already
// seen for their domain. It is meant for the scheduler-enqueue chain: the
// first occurrence passes through, later ones are rejected with
// crawl.ErrIgnored. Requests marked Persist always pass.
type DuplicateFilter struct {
	mu   sync.Mutex
	seen map[string]map[string]struct{}
}

// NewDuplicateFilter creates an empty filter.
func NewDuplicateFilter() *DuplicateFilter {
	return &DuplicateFilter{seen: make(map[string]map[string]struct{})}
}

// BeforeDispatch implements RequestInterceptor.
func (f *DuplicateFilter) BeforeDispatch(_ context.Context, req *crawl.Request) (*crawl.Response, error) {
	if req.Persist {
		return nil, nil
	}
	fp := req.Fingerprint()
	f.mu.Lock()
	defer f.mu.Unlock()
	domain := f.seen[req.Domain]
	if domain == nil {
		domain = make(map[string]struct{})
		f.seen[req.Domain] = domain
	}
	if _, dup := domain[fp]; dup {
		return nil, fmt.Errorf("duplicate %s: %w", req.URL, crawl.ErrIgnored)
	}
	domain[fp] = struct{}{}
	return nil, nil
}

// Forget drops all fingerprints recorded for a domain, freeing its memory
// once the domain has closed.
func (f *DuplicateFilter) Forget(domain string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.seen, domain)
}
