// Package downloader owns the request slot table: it accepts requests,
// enqueues or immediately dispatches them against per-key concurrency and
// delay budgets, and reports global capacity.
package downloader

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tetherweb/crawlcore/internal/crawl"
	"github.com/tetherweb/crawlcore/internal/telemetry"
)

// KeyMode selects how requests are grouped into slots.
type KeyMode string

// Slot key derivation modes.
const (
	// KeyByHost groups requests by literal hostname (the default).
	KeyByHost KeyMode = "host"
	// KeyByIP groups requests by resolved IP, coalescing hostnames behind
	// round-robin DNS into one concurrency budget.
	KeyByIP KeyMode = "ip"
)

// SlotPolicy overrides concurrency and delay for the slots a domain creates.
type SlotPolicy struct {
	Concurrency int
	Delay       time.Duration
}

// Config controls slot sizing and key derivation.
type Config struct {
	// MaxConcurrent is the global in-flight ceiling; NeedsBackout reports
	// true at or above it.
	MaxConcurrent int
	// MaxPerSlot is the default per-slot concurrency budget.
	MaxPerSlot int
	// Delay is the default wait between dispatches to the same slot.
	Delay time.Duration
	// RandomizeDelay draws each effective delay from [0.5*Delay, 1.5*Delay].
	RandomizeDelay bool
	// KeyMode selects hostname or resolved-IP slot keys.
	KeyMode KeyMode
	// PerDomainSlots scopes slots to (domain, key) pairs instead of
	// sharing one slot per key across domains.
	PerDomainSlots bool
	// DomainPolicies overrides concurrency/delay for slots created by a
	// given domain's requests.
	DomainPolicies map[string]SlotPolicy
}

// Downloader dispatches requests through a transport, never blocking the
// caller: Fetch returns a handle to the eventual result. Every slot mutation
// is serialized under one mutex.
type Downloader struct {
	cfg       Config
	transport crawl.Transport
	clock     crawl.Clock
	resolver  Resolver
	logger    *zap.Logger

	mu     sync.Mutex
	slots  map[string]*slot
	total  int
	byDom  map[string]int
	closed bool
}

// Option customizes a Downloader.
type Option func(*Downloader)

// WithResolver injects the IP resolver used in KeyByIP mode.
func WithResolver(r Resolver) Option {
	return func(d *Downloader) { d.resolver = r }
}

// New builds a Downloader over the given transport.
func New(cfg Config, transport crawl.Transport, clock crawl.Clock, logger *zap.Logger, opts ...Option) *Downloader {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 16
	}
	if cfg.MaxPerSlot <= 0 {
		cfg.MaxPerSlot = 2
	}
	if cfg.KeyMode == "" {
		cfg.KeyMode = KeyByHost
	}
	d := &Downloader{
		cfg:       cfg,
		transport: transport,
		clock:     clock,
		resolver:  NewCachingResolver(),
		logger:    logger.With(zap.String("component", "downloader")),
		slots:     make(map[string]*slot),
		byDom:     make(map[string]int),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Fetch admits the request against its slot and returns immediately. The
// returned channel delivers exactly one Result when the download completes,
// fails, or the request's context ends while it is still queued.
func (d *Downloader) Fetch(ctx context.Context, req *crawl.Request) <-chan crawl.Result {
	out := make(chan crawl.Result, 1)
	key, err := d.slotKey(ctx, req)
	if err != nil {
		out <- crawl.Result{Err: &crawl.TransportError{URL: req.URL, Err: err}}
		return out
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		out <- crawl.Result{Err: fmt.Errorf("downloader closed: %w", crawl.ErrIgnored)}
		return out
	}
	s := d.slots[key]
	if s == nil {
		concurrency, delay := d.cfg.MaxPerSlot, d.cfg.Delay
		if pol, ok := d.cfg.DomainPolicies[req.Domain]; ok {
			if pol.Concurrency > 0 {
				concurrency = pol.Concurrency
			}
			if pol.Delay > 0 {
				delay = pol.Delay
			}
		}
		s = newSlot(key, concurrency, delay, d.cfg.RandomizeDelay)
		d.slots[key] = s
		d.logger.Debug("slot created", zap.String("slot", key),
			zap.Int("concurrency", concurrency), zap.Duration("delay", delay))
	}
	s.queue = append(s.queue, &pending{ctx: ctx, req: req, out: out})
	d.byDom[req.Domain]++
	telemetry.SetSlotQueueDepth(key, len(s.queue))
	d.admitLocked(s)
	return out
}

// NeedsBackout reports whether the global in-flight count has reached the
// configured ceiling. Callers must re-check later rather than busy-loop.
func (d *Downloader) NeedsBackout() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.total >= d.cfg.MaxConcurrent
}

// Active returns the global in-flight count.
func (d *Downloader) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.total
}

// ActiveForDomain returns the number of in-flight or queued requests
// belonging to one domain.
func (d *Downloader) ActiveForDomain(domain string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.byDom[domain]
}

// SlotCount returns the number of live slots.
func (d *Downloader) SlotCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.slots)
}

// Close rejects all future fetches. In-flight downloads drain normally.
func (d *Downloader) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
}

// admitLocked is the admission algorithm: while the slot has free capacity
// and queued work, dispatch the head of the queue unless the delay window
// forbids it, in which case a timer re-invokes admission and nothing
// dispatches early. Called with d.mu held.
func (d *Downloader) admitLocked(s *slot) {
	for len(s.queue) > 0 && s.hasCapacity() {
		if wait := d.penaltyLocked(s); wait > 0 {
			if !s.timerSet {
				s.timerSet = true
				time.AfterFunc(wait, func() { d.wake(s.key) })
			}
			return
		}
		p := s.queue[0]
		s.queue = s.queue[1:]
		telemetry.SetSlotQueueDepth(s.key, len(s.queue))
		if p.ctx.Err() != nil {
			d.releaseDomainLocked(p.req.Domain)
			p.out <- crawl.Result{Err: p.ctx.Err()}
			continue
		}
		s.lastDispatch = d.clock.Now()
		s.active[p.req] = struct{}{}
		d.total++
		telemetry.SetDownloadsActive(d.total)
		go d.dispatch(s.key, p)
	}
	d.reapLocked(s)
}

// penaltyLocked returns how long the slot must still wait before its next
// dispatch. The effective delay is redrawn on every call when randomization
// is on.
func (d *Downloader) penaltyLocked(s *slot) time.Duration {
	if s.delay <= 0 || s.lastDispatch.IsZero() {
		return 0
	}
	effective := s.delay
	if s.randomize {
		effective = time.Duration(float64(s.delay) * (0.5 + rand.Float64()))
	}
	return effective - d.clock.Now().Sub(s.lastDispatch)
}

// wake re-runs admission after a delay timer fires.
func (d *Downloader) wake(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.slots[key]
	if s == nil {
		return
	}
	s.timerSet = false
	d.admitLocked(s)
}

// dispatch performs the download outside the lock and hands the slot its
// capacity back on completion.
func (d *Downloader) dispatch(key string, p *pending) {
	resp, err := d.transport.Download(p.ctx, p.req)

	d.mu.Lock()
	d.total--
	d.releaseDomainLocked(p.req.Domain)
	telemetry.SetDownloadsActive(d.total)
	if err != nil {
		telemetry.CountDownload("error")
	} else {
		telemetry.CountDownload("ok")
	}
	if s := d.slots[key]; s != nil {
		delete(s.active, p.req)
		d.admitLocked(s)
	}
	d.mu.Unlock()

	p.out <- crawl.Result{Response: resp, Err: err}
}

// reapLocked destroys the slot once it holds no work.
func (d *Downloader) reapLocked(s *slot) {
	if !s.empty() {
		return
	}
	delete(d.slots, s.key)
	telemetry.DropSlot(s.key)
	d.logger.Debug("slot destroyed", zap.String("slot", s.key))
}

func (d *Downloader) releaseDomainLocked(domain string) {
	d.byDom[domain]--
	if d.byDom[domain] <= 0 {
		delete(d.byDom, domain)
	}
}

// slotKey derives the key a request is accounted under.
func (d *Downloader) slotKey(ctx context.Context, req *crawl.Request) (string, error) {
	host := req.Host()
	if host == "" {
		return "", fmt.Errorf("request %q has no host", req.URL)
	}
	key := host
	if d.cfg.KeyMode == KeyByIP {
		ip, err := d.resolver.LookupIPKey(ctx, host)
		if err != nil {
			return "", fmt.Errorf("resolve %s: %w", host, err)
		}
		key = ip
	}
	if d.cfg.PerDomainSlots {
		key = req.Domain + "|" + key
	}
	return key, nil
}
