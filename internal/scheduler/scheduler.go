// Package scheduler holds per-domain FIFO queues of pending requests. Every
// enqueue passes through an interceptor chain, which is where duplicate
// filtering short-circuits repeats with crawl.ErrIgnored.
package scheduler

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/tetherweb/crawlcore/internal/crawl"
	"github.com/tetherweb/crawlcore/internal/middleware"
)

// Scheduler queues requests per domain in FIFO order.
type Scheduler struct {
	mu     sync.Mutex
	queues map[string][]*crawl.Request
	chain  *middleware.Chain
	logger *zap.Logger
}

// New builds a Scheduler fronted by the given enqueue chain.
func New(chain *middleware.Chain, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		queues: make(map[string][]*crawl.Request),
		chain:  chain,
		logger: logger.With(zap.String("component", "scheduler")),
	}
}

// Enqueue offers a request to the queue of its domain. A crawl.ErrIgnored
// return means an interceptor rejected it on purpose; that is expected and
// logged at debug only.
func (s *Scheduler) Enqueue(ctx context.Context, req *crawl.Request) error {
	_, err := s.chain.Execute(ctx, req, func(_ context.Context, r *crawl.Request) (*crawl.Response, error) {
		s.mu.Lock()
		s.queues[r.Domain] = append(s.queues[r.Domain], r)
		s.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		if errors.Is(err, crawl.ErrIgnored) {
			s.logger.Debug("request ignored",
				zap.String("domain", req.Domain), zap.String("url", req.URL))
		}
		return err
	}
	return nil
}

// Next pops the head of a domain's queue.
func (s *Scheduler) Next(domain string) (*crawl.Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[domain]
	if len(q) == 0 {
		return nil, false
	}
	req := q[0]
	if len(q) == 1 {
		delete(s.queues, domain)
	} else {
		s.queues[domain] = q[1:]
	}
	return req, true
}

// Len reports how many requests a domain has pending.
func (s *Scheduler) Len(domain string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[domain])
}

// Drop discards everything pending for a domain.
func (s *Scheduler) Drop(domain string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queues, domain)
}
