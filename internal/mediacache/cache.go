// Package mediacache ensures at most one concurrent fetch per content
// fingerprint and fans the result out to every caller that asked for the
// same resource while it was in flight.
package mediacache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/tetherweb/crawlcore/internal/telemetry"
)

// Producer performs the underlying fetch for a fingerprint.
type Producer func(ctx context.Context) (any, error)

// StatInfo describes an artifact already held by a backing store.
type StatInfo struct {
	Exists  bool
	Age     time.Duration
	Payload any
}

// StoreStat lets a producer run be short-circuited by an existing stored
// artifact: when the artifact exists and is younger than the configured
// expiry, its payload is recorded and fanned out without a fetch.
type StoreStat func(ctx context.Context, fingerprint string) (StatInfo, error)

// Result is what each waiter receives, exactly once.
type Result struct {
	Value any
	Err   error
}

// Config controls cache freshness behavior.
type Config struct {
	// Expiry bounds how old a stored artifact may be before it is
	// re-fetched. Zero disables the StoreStat short-circuit.
	Expiry time.Duration
	// Stat is the optional backing-store probe.
	Stat StoreStat
}

// Cache is the fingerprint-keyed dedup core. Successful results stay cached
// for the lifetime of the Cache; failures are never cached, so a later
// request retries from scratch.
type Cache struct {
	cfg    Config
	group  singleflight.Group
	mu     sync.RWMutex
	cached map[string]any
	logger *zap.Logger
}

// New builds an empty Cache.
func New(cfg Config, logger *zap.Logger) *Cache {
	return &Cache{
		cfg:    cfg,
		cached: make(map[string]any),
		logger: logger.With(zap.String("component", "mediacache")),
	}
}

func (c *Cache) lookup(fingerprint string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.cached[fingerprint]
	return v, ok
}

func (c *Cache) store(fingerprint string, v any) {
	c.mu.Lock()
	c.cached[fingerprint] = v
	c.mu.Unlock()
}

// Request returns a handle to the eventual result for a fingerprint. A
// cached fingerprint resolves immediately; an in-flight one resolves when
// the single underlying fetch does; otherwise the producer runs. The
// producer observes the context of the caller that started the flight.
func (c *Cache) Request(ctx context.Context, fingerprint string, producer Producer) <-chan Result {
	out := make(chan Result, 1)

	if v, ok := c.lookup(fingerprint); ok {
		telemetry.CountMediaCache("hit")
		out <- Result{Value: v}
		return out
	}

	go func() {
		v, err, shared := c.group.Do(fingerprint, func() (any, error) {
			// A flight that finished between the lookup above and this
			// call may already have cached the value.
			if v, ok := c.lookup(fingerprint); ok {
				return v, nil
			}
			if v, ok, statErr := c.statFresh(ctx, fingerprint); statErr == nil && ok {
				return v, nil
			}
			return producer(ctx)
		})
		if shared {
			telemetry.CountMediaCache("coalesced")
		} else {
			telemetry.CountMediaCache("miss")
		}
		if err != nil {
			c.logger.Debug("fingerprint fetch failed, not cached",
				zap.String("fingerprint", fingerprint), zap.Error(err))
			out <- Result{Err: err}
			return
		}
		c.store(fingerprint, v)
		out <- Result{Value: v}
	}()
	return out
}

// statFresh consults the backing store; ok is true when a stored artifact
// exists and is still fresh.
func (c *Cache) statFresh(ctx context.Context, fingerprint string) (any, bool, error) {
	if c.cfg.Stat == nil || c.cfg.Expiry <= 0 {
		return nil, false, nil
	}
	info, err := c.cfg.Stat(ctx, fingerprint)
	if err != nil {
		c.logger.Debug("store stat failed", zap.String("fingerprint", fingerprint), zap.Error(err))
		return nil, false, err
	}
	if !info.Exists || info.Age > c.cfg.Expiry {
		return nil, false, nil
	}
	return info.Payload, true, nil
}
