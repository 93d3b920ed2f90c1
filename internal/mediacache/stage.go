package mediacache

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tetherweb/crawlcore/internal/crawl"
)

// MediaBearer is implemented by item payloads that reference media
// resources to be fetched alongside the item.
type MediaBearer interface {
	MediaURLs() []string
}

// Download records one fetched media resource.
type Download struct {
	URL         string
	Fingerprint string
	Size        int
}

// ArtifactStore persists fetched bodies and reports what it already holds.
type ArtifactStore interface {
	Put(ctx context.Context, fingerprint string, body []byte) error
	Stat(ctx context.Context, fingerprint string) (StatInfo, error)
}

// Stage fetches the media an item references, deduplicated through the
// cache, and attaches the outcome to the item payload. A payload that bears
// no media passes through untouched. Individual fetch failures are logged
// and skipped; they never drop the item.
type Stage struct {
	cache     *Cache
	transport crawl.Transport
	store     ArtifactStore
	logger    *zap.Logger
}

// StageOption tunes a Stage.
type StageOption func(*Stage)

// WithStore persists each fetched body to the given store.
func WithStore(store ArtifactStore) StageOption {
	return func(s *Stage) { s.store = store }
}

// NewStage builds a media Stage over a cache and transport.
func NewStage(cache *Cache, transport crawl.Transport, logger *zap.Logger, opts ...StageOption) *Stage {
	s := &Stage{
		cache:     cache,
		transport: transport,
		logger:    logger.With(zap.String("component", "mediacache.stage")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements pipeline.Stage.
func (s *Stage) Name() string { return "media" }

// Process implements pipeline.Stage.
func (s *Stage) Process(ctx context.Context, item *crawl.Item) (*crawl.Item, error) {
	urls := mediaURLs(item.Payload)
	if len(urls) == 0 {
		return item, nil
	}

	handles := make([]<-chan Result, 0, len(urls))
	fps := make([]string, 0, len(urls))
	for _, u := range urls {
		fp := crawl.Fingerprint("GET", u, nil)
		fps = append(fps, fp)
		handles = append(handles, s.cache.Request(ctx, fp, s.producer(item.Domain, u)))
	}

	downloads := make([]Download, 0, len(urls))
	for i, handle := range handles {
		var res Result
		select {
		case res = <-handle:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if res.Err != nil {
			s.logger.Warn("media fetch failed",
				zap.String("domain", item.Domain),
				zap.String("url", urls[i]),
				zap.Error(res.Err))
			continue
		}
		d := Download{URL: urls[i], Fingerprint: fps[i]}
		if body, ok := res.Value.([]byte); ok {
			d.Size = len(body)
		}
		downloads = append(downloads, d)
	}

	if m, ok := item.Payload.(map[string]any); ok {
		m["media"] = downloads
	}
	return item, nil
}

// producer fetches one media URL through the transport, yielding the body.
func (s *Stage) producer(domain, rawURL string) Producer {
	return func(ctx context.Context) (any, error) {
		req := crawl.NewRequest(domain, rawURL)
		resp, err := s.transport.Download(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("fetch media %s: %w", rawURL, err)
		}
		if s.store != nil {
			if err := s.store.Put(ctx, req.Fingerprint(), resp.Body); err != nil {
				s.logger.Warn("persist media failed", zap.String("url", rawURL), zap.Error(err))
			}
		}
		return resp.Body, nil
	}
}

// mediaURLs extracts media references from a payload: either a MediaBearer
// implementation or a map payload with a "media_urls" entry.
func mediaURLs(payload any) []string {
	if b, ok := payload.(MediaBearer); ok {
		return b.MediaURLs()
	}
	m, ok := payload.(map[string]any)
	if !ok {
		return nil
	}
	switch v := m["media_urls"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
