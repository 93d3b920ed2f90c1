// Package collytransport implements crawl.Transport using gocolly. It is
// the default transport collaborator; the downloader treats it as opaque.
package collytransport

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/tetherweb/crawlcore/internal/crawl"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Transport performs single-URL fetches through a Colly collector. Slot
// accounting, delay and dedup all live upstream; the collector runs with
// its own limits disabled.
type Transport struct {
	cfg           Config
	httpTransport http.RoundTripper
	baseCollector *colly.Collector
}

// New builds a Transport.
func New(cfg Config) *Transport {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(
		colly.Async(false),
		colly.IgnoreRobotsTxt(),
		colly.AllowURLRevisit(),
	)
	transport := newHTTPTransport()
	c.WithTransport(transport)
	return &Transport{
		cfg:           cfg,
		httpTransport: transport,
		baseCollector: c,
	}
}

// Download implements crawl.Transport. Any network-level failure comes back
// as a *crawl.TransportError.
func (t *Transport) Download(ctx context.Context, req *crawl.Request) (*crawl.Response, error) {
	collector := t.baseCollector.Clone()
	if t.cfg.UserAgent != "" {
		collector.UserAgent = t.cfg.UserAgent
	}
	collector.SetRequestTimeout(t.cfg.Timeout)
	collector.WithTransport(t.httpTransport)

	start := time.Now()
	var (
		resp     *crawl.Response
		fetchErr error
	)
	collector.OnRequest(func(r *colly.Request) {
		for key, values := range req.Header {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		resp = &crawl.Response{
			Request:    req,
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	if err := t.visit(ctx, collector, req.URL); err != nil {
		return nil, &crawl.TransportError{URL: req.URL, Err: err}
	}
	if fetchErr != nil {
		return nil, &crawl.TransportError{URL: req.URL, Err: fetchErr}
	}
	return resp, nil
}

func (t *Transport) visit(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
