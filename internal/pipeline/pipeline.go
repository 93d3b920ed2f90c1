// Package pipeline pushes scraped items through an ordered list of stages,
// asynchronously and bounded per domain. A stage may drop an item without
// affecting its siblings.
package pipeline

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/tetherweb/crawlcore/internal/crawl"
	"github.com/tetherweb/crawlcore/internal/signals"
	"github.com/tetherweb/crawlcore/internal/telemetry"
)

// Stage is one asynchronous transform. It may pass the item through, replace
// it, or return an error wrapping crawl.ErrDropped to abort the remaining
// stages for this item only.
type Stage interface {
	Name() string
	Process(ctx context.Context, item *crawl.Item) (*crawl.Item, error)
}

// Config controls pipeline concurrency.
type Config struct {
	// PerDomainLimit caps how many items may be in flight through the
	// chain per domain; producers block once it is saturated. Zero or
	// negative means unbounded.
	PerDomainLimit int
}

// Chain runs items through its stages and reports each terminal outcome
// exactly once on the signals bus.
type Chain struct {
	cfg    Config
	stages []Stage
	bus    *signals.Bus
	logger *zap.Logger

	mu       sync.Mutex
	sems     map[string]*semaphore.Weighted
	buffered map[string]int
}

// New builds a Chain over the given stages, in order.
func New(cfg Config, bus *signals.Bus, logger *zap.Logger, stages ...Stage) *Chain {
	return &Chain{
		cfg:      cfg,
		stages:   stages,
		bus:      bus,
		logger:   logger.With(zap.String("component", "pipeline")),
		sems:     make(map[string]*semaphore.Weighted),
		buffered: make(map[string]int),
	}
}

// Push admits one item into the chain. It blocks while the domain's
// concurrency ceiling is saturated, back-pressuring the producer, and
// returns once the item is admitted; processing continues asynchronously.
func (c *Chain) Push(ctx context.Context, item *crawl.Item) error {
	sem := c.domainSem(item.Domain)
	if sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.buffered[item.Domain]++
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			c.buffered[item.Domain]--
			if c.buffered[item.Domain] <= 0 {
				delete(c.buffered, item.Domain)
			}
			c.mu.Unlock()
			if sem != nil {
				sem.Release(1)
			}
		}()
		c.process(ctx, item)
	}()
	return nil
}

// Buffered reports how many of a domain's items are still inside the chain.
func (c *Chain) Buffered(domain string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered[domain]
}

func (c *Chain) domainSem(domain string) *semaphore.Weighted {
	if c.cfg.PerDomainLimit <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	sem := c.sems[domain]
	if sem == nil {
		sem = semaphore.NewWeighted(int64(c.cfg.PerDomainLimit))
		c.sems[domain] = sem
	}
	return sem
}

func (c *Chain) process(ctx context.Context, item *crawl.Item) {
	current := item
	for _, stage := range c.stages {
		next, err := stage.Process(ctx, current)
		if err != nil {
			if errors.Is(err, crawl.ErrDropped) {
				c.logger.Info("item dropped",
					zap.String("domain", item.Domain),
					zap.String("stage", stage.Name()),
					zap.Error(err))
			} else {
				c.logger.Error("pipeline stage failed, abandoning item",
					zap.String("domain", item.Domain),
					zap.String("stage", stage.Name()),
					zap.Error(err))
			}
			telemetry.CountItem("dropped")
			c.bus.EmitItemDropped(item)
			return
		}
		if next == nil {
			// A stage must return an item or an error; anything else is
			// a framework bug in that stage.
			c.logger.Error("stage returned no item and no error, abandoning item",
				zap.String("domain", item.Domain),
				zap.String("stage", stage.Name()))
			telemetry.CountItem("dropped")
			c.bus.EmitItemDropped(item)
			return
		}
		current = next
	}
	telemetry.CountItem("scraped")
	c.bus.EmitItemScraped(current)
}
