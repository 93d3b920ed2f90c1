package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tetherweb/crawlcore/internal/crawl"
	"github.com/tetherweb/crawlcore/internal/telemetry"
)

// RateLimit caps the request rate per host with a token bucket, layered on
// top of the downloader's slot delay. Meant for the download chain.
type RateLimit struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewRateLimit builds the interceptor. A non-positive rps means the host
// rate cap is not configured, which disables the interceptor.
func NewRateLimit(rps float64, burst int) (*RateLimit, error) {
	if rps <= 0 {
		return nil, fmt.Errorf("host rps cap: %w", crawl.ErrNotConfigured)
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimit{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}, nil
}

// BeforeDispatch implements RequestInterceptor. It blocks the dispatching
// goroutine until the host's bucket has a token, respecting the context.
func (rl *RateLimit) BeforeDispatch(ctx context.Context, req *crawl.Request) (*crawl.Response, error) {
	host := req.Host()
	rl.mu.Lock()
	limiter, ok := rl.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rl.rps, rl.burst)
		rl.limiters[host] = limiter
	}
	rl.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		telemetry.ObserveRateLimitDelay(host, waited)
	}
	return nil, nil
}
