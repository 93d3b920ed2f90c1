// Package engine coordinates the lifecycle of every active crawl domain:
// opening from a backlog while download capacity remains, dispatching
// scheduled requests, running the vetoable idle protocol, and tearing a
// domain down exactly once.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tetherweb/crawlcore/internal/crawl"
	"github.com/tetherweb/crawlcore/internal/downloader"
	"github.com/tetherweb/crawlcore/internal/logging"
	"github.com/tetherweb/crawlcore/internal/middleware"
	"github.com/tetherweb/crawlcore/internal/pipeline"
	"github.com/tetherweb/crawlcore/internal/scheduler"
	"github.com/tetherweb/crawlcore/internal/signals"
	"github.com/tetherweb/crawlcore/internal/telemetry"
)

// Config controls engine pacing.
type Config struct {
	// MaxOpenDomains bounds how many domains run simultaneously.
	MaxOpenDomains int
	// CloseDelay is how long a domain must be quiescent before it may
	// close. Zero closes as soon as all work drains.
	CloseDelay time.Duration
	// IdleRecheck is the wait before re-examining a domain that was
	// vetoed, still busy, or inside its close-delay window.
	IdleRecheck time.Duration
	// BackoutRetry is the wait before re-checking downloader capacity.
	BackoutRetry time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxOpenDomains <= 0 {
		c.MaxOpenDomains = 8
	}
	if c.IdleRecheck <= 0 {
		c.IdleRecheck = 100 * time.Millisecond
	}
	if c.BackoutRetry <= 0 {
		c.BackoutRetry = 100 * time.Millisecond
	}
}

// Engine owns one state machine per active domain.
type Engine struct {
	cfg         Config
	dl          *downloader.Downloader
	sched       *scheduler.Scheduler
	pipe        *pipeline.Chain
	extractor   crawl.Extractor
	resultChain *middleware.Chain
	bus         *signals.Bus
	clock       crawl.Clock
	logger      *zap.Logger

	mu      sync.Mutex
	domains map[string]*domainState
	backlog []Domain
	wg      sync.WaitGroup
	outerWk chan struct{}
}

// New wires an Engine. The result chain runs around extraction; pass an
// empty chain when no result interceptors are configured.
func New(
	cfg Config,
	dl *downloader.Downloader,
	sched *scheduler.Scheduler,
	pipe *pipeline.Chain,
	extractor crawl.Extractor,
	resultChain *middleware.Chain,
	bus *signals.Bus,
	clock crawl.Clock,
	logger *zap.Logger,
) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		cfg:         cfg,
		dl:          dl,
		sched:       sched,
		pipe:        pipe,
		extractor:   extractor,
		resultChain: resultChain,
		bus:         bus,
		clock:       clock,
		logger:      logger.With(zap.String("component", "engine")),
		domains:     make(map[string]*domainState),
		outerWk:     make(chan struct{}, 1),
	}
	// Pipeline completions count as domain activity and may unblock an
	// idle check that was waiting on buffered work.
	bus.OnItemScraped(func(item *crawl.Item) { e.touch(item.Domain) })
	bus.OnItemDropped(func(item *crawl.Item) { e.touch(item.Domain) })
	return e
}

// AddDomain queues a crawl target. Domains added after Run started are
// picked up by the outer loop.
func (e *Engine) AddDomain(d Domain) {
	e.mu.Lock()
	e.backlog = append(e.backlog, d)
	e.mu.Unlock()
	e.nudgeOuter()
}

// CancelDomain marks a domain's requests as no longer acceptable for new
// scheduling. In-flight downloads drain; they are not aborted.
func (e *Engine) CancelDomain(name string) {
	e.mu.Lock()
	d := e.domains[name]
	if d != nil && !d.cancelled {
		d.cancelled = true
		e.sched.Drop(name)
	}
	e.mu.Unlock()
	if d != nil {
		d.notify()
	}
}

// OpenDomains reports how many domains are currently not closed.
func (e *Engine) OpenDomains() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.domains)
}

// DomainState reports a domain's current lifecycle state.
func (e *Engine) DomainState(name string) (State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.domains[name]
	if !ok {
		return StateClosed, false
	}
	return d.state, true
}

// Run drives the outer loop: while capacity remains and the backlog is
// non-empty, open the next domain. Run returns when the context ends or
// every domain has closed and the backlog is empty.
func (e *Engine) Run(ctx context.Context) error {
	for {
		opened := e.openNext(ctx)
		e.mu.Lock()
		idle := len(e.backlog) == 0 && len(e.domains) == 0
		e.mu.Unlock()
		if idle {
			e.wg.Wait()
			return ctx.Err()
		}
		if opened {
			continue
		}
		select {
		case <-ctx.Done():
			e.cancelAll()
			e.wg.Wait()
			return ctx.Err()
		case <-e.outerWk:
		case <-time.After(e.cfg.BackoutRetry):
		}
	}
}

// openNext opens one backlog domain if limits allow.
func (e *Engine) openNext(ctx context.Context) bool {
	if e.dl.NeedsBackout() {
		return false
	}
	e.mu.Lock()
	if len(e.backlog) == 0 || len(e.domains) >= e.cfg.MaxOpenDomains {
		e.mu.Unlock()
		return false
	}
	next := e.backlog[0]
	e.backlog = e.backlog[1:]
	d := &domainState{
		name:         next.Name,
		runID:        uuid.NewString(),
		state:        StateInitializing,
		lastActivity: e.clock.Now(),
		wake:         make(chan struct{}, 1),
	}
	e.domains[next.Name] = d
	telemetry.SetDomainsOpen(len(e.domains))
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runDomain(ctx, d, next)
		e.nudgeOuter()
	}()
	return true
}

func (e *Engine) cancelAll() {
	e.mu.Lock()
	names := make([]string, 0, len(e.domains))
	for name := range e.domains {
		names = append(names, name)
	}
	e.backlog = nil
	e.mu.Unlock()
	for _, name := range names {
		e.CancelDomain(name)
	}
}

func (e *Engine) nudgeOuter() {
	select {
	case e.outerWk <- struct{}{}:
	default:
	}
}

// touch records activity for a domain and wakes its loop.
func (e *Engine) touch(name string) {
	e.mu.Lock()
	d := e.domains[name]
	if d != nil {
		d.lastActivity = e.clock.Now()
	}
	e.mu.Unlock()
	if d != nil {
		d.notify()
	}
}

// runDomain drives one domain from Initializing to Closed.
func (e *Engine) runDomain(ctx context.Context, d *domainState, dom Domain) {
	logger := logging.ForDomain(e.logger, d.name).With(zap.String("run_id", d.runID))
	logger.Info("domain initializing")

	e.initialize(d, dom, logger)

	e.setState(d, StateOpen)
	e.bus.EmitDomainOpened(d.name)
	logger.Info("domain open")
	e.drainStarter(ctx, d, logger)

	reason := e.dispatchLoop(ctx, d, logger)

	e.setState(d, StateClosing)
	logger.Info("domain closing", zap.String("reason", string(reason)))
	e.awaitDrain(d)

	e.mu.Lock()
	d.state = StateClosed
	delete(e.domains, d.name)
	telemetry.SetDomainsOpen(len(e.domains))
	e.mu.Unlock()

	e.sched.Drop(d.name)
	telemetry.CountDomainClosed(string(reason))
	e.bus.EmitDomainClosed(d.name, reason)
	logger.Info("domain closed", zap.String("reason", string(reason)))
}

// initialize runs the setup hook; submitted requests land in the starter
// queue rather than the scheduler.
func (e *Engine) initialize(d *domainState, dom Domain, logger *zap.Logger) {
	submit := func(req *crawl.Request) {
		e.mu.Lock()
		d.starter = append(d.starter, req)
		e.mu.Unlock()
	}
	for _, seed := range dom.Seeds {
		submit(crawl.NewRequest(d.name, seed))
	}
	if dom.Init != nil {
		if err := dom.Init(d.name, submit); err != nil {
			logger.Error("domain init hook failed", zap.Error(err))
		}
	}
}

func (e *Engine) drainStarter(ctx context.Context, d *domainState, logger *zap.Logger) {
	e.mu.Lock()
	starter := d.starter
	d.starter = nil
	e.mu.Unlock()
	for _, req := range starter {
		e.enqueue(ctx, d, req, logger)
	}
}

// dispatchLoop pulls scheduled requests while the domain is open and
// capacity exists, then runs the idle protocol once the domain looks done.
func (e *Engine) dispatchLoop(ctx context.Context, d *domainState, logger *zap.Logger) signals.Reason {
	for {
		if e.isCancelled(d) || ctx.Err() != nil {
			return signals.ReasonCancelled
		}
		if e.dl.NeedsBackout() {
			e.wait(ctx, d, e.cfg.BackoutRetry)
			continue
		}
		req, ok := e.sched.Next(d.name)
		if ok {
			e.dispatch(ctx, d, req, logger)
			continue
		}

		e.setState(d, StateIdleCheck)
		switch e.checkIdle(d) {
		case idleConfirmed:
			if vetoed := e.bus.EmitDomainIdle(d.name); vetoed {
				logger.Debug("idle vetoed, rechecking later")
				e.setState(d, StateOpen)
				e.wait(ctx, d, e.cfg.IdleRecheck)
				continue
			}
			return signals.ReasonFinished
		case idleBusy, idleCoolingDown:
			e.setState(d, StateOpen)
			e.wait(ctx, d, e.cfg.IdleRecheck)
		}
	}
}

type idleVerdict int

const (
	idleConfirmed idleVerdict = iota
	idleBusy
	idleCoolingDown
)

// checkIdle confirms idle only when the domain has no pending scheduled
// requests, no in-flight downloads, no buffered pipeline work, nothing mid
// extraction, and the close-delay quiescence window has passed.
func (e *Engine) checkIdle(d *domainState) idleVerdict {
	if e.sched.Len(d.name) > 0 || e.pipe.Buffered(d.name) > 0 {
		return idleBusy
	}
	e.mu.Lock()
	busy := d.inflight > 0 || d.scraping > 0 || len(d.starter) > 0
	last := d.lastActivity
	e.mu.Unlock()
	if busy || e.dl.ActiveForDomain(d.name) > 0 {
		return idleBusy
	}
	if e.cfg.CloseDelay > 0 && e.clock.Now().Sub(last) < e.cfg.CloseDelay {
		return idleCoolingDown
	}
	return idleConfirmed
}

// dispatch sends one request through the downloader and handles its result
// asynchronously. The domain's inflight counter covers the whole span from
// dispatch to the end of extraction, so idle checks never race a response
// that is between components.
func (e *Engine) dispatch(ctx context.Context, d *domainState, req *crawl.Request, logger *zap.Logger) {
	e.mu.Lock()
	d.inflight++
	e.mu.Unlock()

	results := e.dl.Fetch(ctx, req)
	go func() {
		defer func() {
			e.mu.Lock()
			d.inflight--
			d.lastActivity = e.clock.Now()
			e.mu.Unlock()
			d.notify()
			e.nudgeOuter()
		}()
		res := <-results
		if res.Err != nil {
			var te *crawl.TransportError
			if errors.As(res.Err, &te) {
				logger.Info("download failed", zap.String("url", req.URL), zap.Error(res.Err))
			} else if errors.Is(res.Err, crawl.ErrIgnored) {
				logger.Debug("download ignored", zap.String("url", req.URL))
			} else {
				logger.Warn("download error", zap.String("url", req.URL), zap.Error(res.Err))
			}
			return
		}
		e.handleResponse(ctx, d, res.Response, logger)
	}()
}

// handleResponse runs extraction under the result chain and feeds new
// requests back into the scheduler and items into the pipeline.
func (e *Engine) handleResponse(ctx context.Context, d *domainState, resp *crawl.Response, logger *zap.Logger) {
	e.mu.Lock()
	d.scraping++
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		d.scraping--
		e.mu.Unlock()
	}()

	var (
		newReqs []*crawl.Request
		items   []*crawl.Item
	)
	_, err := e.resultChain.Execute(ctx, resp.Request, func(ctx context.Context, _ *crawl.Request) (*crawl.Response, error) {
		reqs, its, err := e.extractor.Extract(ctx, resp)
		if err != nil {
			return nil, &crawl.ExtractionError{Domain: d.name, URL: resp.Request.URL, Err: err}
		}
		newReqs, items = reqs, its
		return resp, nil
	})
	if err != nil {
		// Extraction bugs are domain-scoped failures and never abort the
		// controller.
		logger.Error("extraction failed", zap.String("url", resp.Request.URL), zap.Error(err))
		return
	}

	for _, req := range newReqs {
		if req.Domain == "" {
			req.Domain = d.name
		}
		e.enqueue(ctx, d, req, logger)
	}
	for _, item := range items {
		if item.Domain == "" {
			item.Domain = d.name
		}
		if err := e.pipe.Push(ctx, item); err != nil {
			logger.Warn("pipeline push failed", zap.Error(err))
		}
	}
}

// Submit offers a request to a running domain from outside extraction, for
// example a listener reacting to an external event. It fails with
// crawl.ErrDomainClosed once the domain is no longer accepting work.
func (e *Engine) Submit(ctx context.Context, domain string, req *crawl.Request) error {
	e.mu.Lock()
	d := e.domains[domain]
	e.mu.Unlock()
	if d == nil {
		return fmt.Errorf("domain %s: %w", domain, crawl.ErrDomainClosed)
	}
	if req.Domain == "" {
		req.Domain = domain
	}
	return e.enqueue(ctx, d, req, e.logger)
}

// enqueue gates admission on the domain still being open, then offers the
// request to the scheduler chain.
func (e *Engine) enqueue(ctx context.Context, d *domainState, req *crawl.Request, logger *zap.Logger) error {
	e.mu.Lock()
	closing := d.cancelled || d.state >= StateClosing
	e.mu.Unlock()
	if closing {
		logger.Debug("request rejected, domain closing", zap.String("url", req.URL))
		return fmt.Errorf("domain %s: %w", d.name, crawl.ErrDomainClosed)
	}
	if err := e.sched.Enqueue(ctx, req); err != nil {
		if !errors.Is(err, crawl.ErrIgnored) {
			logger.Warn("enqueue failed", zap.String("url", req.URL), zap.Error(err))
		}
		return err
	}
	e.mu.Lock()
	d.lastActivity = e.clock.Now()
	e.mu.Unlock()
	d.notify()
	return nil
}

// awaitDrain lets outstanding downloads finish before teardown; nothing is
// force-aborted.
func (e *Engine) awaitDrain(d *domainState) {
	for {
		e.mu.Lock()
		busy := d.inflight > 0 || d.scraping > 0
		e.mu.Unlock()
		if !busy && e.pipe.Buffered(d.name) == 0 {
			return
		}
		select {
		case <-d.wake:
		case <-time.After(e.cfg.IdleRecheck):
		}
	}
}

func (e *Engine) setState(d *domainState, s State) {
	e.mu.Lock()
	d.state = s
	e.mu.Unlock()
}

// wait blocks until activity, the timeout, or context end.
func (e *Engine) wait(ctx context.Context, d *domainState, timeout time.Duration) {
	select {
	case <-ctx.Done():
	case <-d.wake:
	case <-time.After(timeout):
	}
}

func (e *Engine) isCancelled(d *domainState) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return d.cancelled
}
