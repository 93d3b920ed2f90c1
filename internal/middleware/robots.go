package middleware

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/tetherweb/crawlcore/internal/crawl"
)

// Robots enforces robots.txt directives per host, fetching and caching each
// host's policy on first contact. Meant for the download chain. A robots
// fetch or parse failure allows the request rather than stalling the crawl.
type Robots struct {
	client    *http.Client
	userAgent string
	logger    *zap.Logger

	mu    sync.Mutex
	hosts map[string]*robotstxt.RobotsData
}

// NewRobots builds the interceptor. With respect false, robots enforcement
// is not configured and the interceptor is omitted from its chain.
func NewRobots(respect bool, userAgent string, logger *zap.Logger) (*Robots, error) {
	if !respect {
		return nil, fmt.Errorf("robots enforcement: %w", crawl.ErrNotConfigured)
	}
	return &Robots{
		client:    &http.Client{Timeout: 10 * time.Second},
		userAgent: userAgent,
		logger:    logger.With(zap.String("component", "middleware.robots")),
		hosts:     make(map[string]*robotstxt.RobotsData),
	}, nil
}

// BeforeDispatch implements RequestInterceptor.
func (r *Robots) BeforeDispatch(ctx context.Context, req *crawl.Request) (*crawl.Response, error) {
	parsed, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("robots: parse %q: %w", req.URL, err)
	}
	data, err := r.load(ctx, parsed)
	if err != nil {
		r.logger.Warn("robots fetch failed; allowing request",
			zap.String("host", parsed.Host), zap.Error(err))
		return nil, nil
	}
	group := data.FindGroup(r.userAgent)
	if group == nil || group.Test(parsed.Path) {
		return nil, nil
	}
	return nil, fmt.Errorf("robots disallows %s: %w", req.URL, crawl.ErrIgnored)
}

func (r *Robots) load(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	hostKey := strings.ToLower(parsed.Host)
	r.mu.Lock()
	data, ok := r.hosts[hostKey]
	r.mu.Unlock()
	if ok {
		return data, nil
	}

	robotsURL := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	httpReq.Header.Set("User-Agent", r.userAgent)
	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err = robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	r.mu.Lock()
	r.hosts[hostKey] = data
	r.mu.Unlock()
	return data, nil
}
