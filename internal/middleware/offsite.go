package middleware

import (
	"context"
	"fmt"
	"strings"

	"github.com/tetherweb/crawlcore/internal/crawl"
)

// Offsite rejects requests whose host leaves the crawl domain, plus any
// host matched by an explicit deny list. Meant for the enqueue chain, so
// off-domain links are discarded before they reach the scheduler.
type Offsite struct {
	denied *hostPatterns
}

// NewOffsite builds the interceptor. Deny patterns are exact hosts,
// "*.suffix" wildcards, or ".suffix" shorthand; an empty list still keeps
// requests on their own domain.
func NewOffsite(deny []string) *Offsite {
	return &Offsite{denied: newHostPatterns(deny)}
}

// BeforeDispatch implements RequestInterceptor.
func (o *Offsite) BeforeDispatch(_ context.Context, req *crawl.Request) (*crawl.Response, error) {
	host := strings.ToLower(req.Host())
	if host == "" {
		return nil, fmt.Errorf("offsite: request %q has no host: %w", req.URL, crawl.ErrIgnored)
	}
	if o.denied.match(host) {
		return nil, fmt.Errorf("host %s is deny-listed: %w", host, crawl.ErrIgnored)
	}
	domain := strings.ToLower(req.Domain)
	if host != domain && !strings.HasSuffix(host, "."+domain) {
		return nil, fmt.Errorf("host %s is outside domain %s: %w", host, req.Domain, crawl.ErrIgnored)
	}
	return nil, nil
}

// hostPatterns stores exact hosts and suffix wildcards derived from
// configuration.
type hostPatterns struct {
	exact    map[string]struct{}
	suffixes []string
}

func newHostPatterns(patterns []string) *hostPatterns {
	m := &hostPatterns{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		if value == "" {
			continue
		}
		switch {
		case strings.HasPrefix(value, "*."):
			m.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			m.addSuffix(strings.TrimPrefix(value, "."))
		default:
			m.exact[value] = struct{}{}
		}
	}
	return m
}

func (m *hostPatterns) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range m.suffixes {
		if existing == suffix {
			return
		}
	}
	m.suffixes = append(m.suffixes, suffix)
}

func (m *hostPatterns) match(host string) bool {
	if m == nil {
		return false
	}
	if _, ok := m.exact[host]; ok {
		return true
	}
	for _, suffix := range m.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
