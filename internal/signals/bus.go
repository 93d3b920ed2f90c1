// Package signals fans lifecycle notifications out to registered listeners.
// The bus is owned by the engine instance that created it, so no dispatcher
// state leaks across runs or tests.
package signals

import (
	"sync"

	"go.uber.org/zap"

	"github.com/tetherweb/crawlcore/internal/crawl"
)

// Reason tags the terminal notification of a domain run.
type Reason string

// Terminal reasons.
const (
	ReasonFinished  Reason = "finished"
	ReasonCancelled Reason = "cancelled"
)

// IdleListener observes a domain's idle check. Returning true vetoes the
// close, sending the domain back for a later recheck.
type IdleListener func(domain string) bool

// DomainListener observes a domain lifecycle event.
type DomainListener func(domain string)

// ClosedListener observes the terminal notification of a domain run.
type ClosedListener func(domain string, reason Reason)

// ItemListener observes an item leaving the pipeline.
type ItemListener func(item *crawl.Item)

// Bus registers listeners and delivers notifications. A listener that
// panics is logged and never prevents other listeners from running.
type Bus struct {
	mu      sync.RWMutex
	opened  []DomainListener
	idle    []IdleListener
	closed  []ClosedListener
	scraped []ItemListener
	dropped []ItemListener
	logger  *zap.Logger
}

// NewBus builds an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{logger: logger.With(zap.String("component", "signals"))}
}

// OnDomainOpened registers a domain-opened listener.
func (b *Bus) OnDomainOpened(fn DomainListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opened = append(b.opened, fn)
}

// OnDomainIdle registers a vetoable idle listener.
func (b *Bus) OnDomainIdle(fn IdleListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.idle = append(b.idle, fn)
}

// OnDomainClosed registers a terminal-notification listener.
func (b *Bus) OnDomainClosed(fn ClosedListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = append(b.closed, fn)
}

// OnItemScraped registers a listener for items completing the pipeline.
func (b *Bus) OnItemScraped(fn ItemListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scraped = append(b.scraped, fn)
}

// OnItemDropped registers a listener for items dropped by a stage.
func (b *Bus) OnItemDropped(fn ItemListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropped = append(b.dropped, fn)
}

// EmitDomainOpened notifies all domain-opened listeners.
func (b *Bus) EmitDomainOpened(domain string) {
	b.mu.RLock()
	listeners := b.opened
	b.mu.RUnlock()
	for _, fn := range listeners {
		b.safely("domain-opened", func() { fn(domain) })
	}
}

// EmitDomainIdle asks every idle listener; it reports true when any of them
// vetoes the close. All listeners run even after the first veto.
func (b *Bus) EmitDomainIdle(domain string) bool {
	b.mu.RLock()
	listeners := b.idle
	b.mu.RUnlock()
	vetoed := false
	for _, fn := range listeners {
		b.safely("domain-idle", func() {
			if fn(domain) {
				vetoed = true
			}
		})
	}
	return vetoed
}

// EmitDomainClosed notifies all terminal listeners.
func (b *Bus) EmitDomainClosed(domain string, reason Reason) {
	b.mu.RLock()
	listeners := b.closed
	b.mu.RUnlock()
	for _, fn := range listeners {
		b.safely("domain-closed", func() { fn(domain, reason) })
	}
}

// EmitItemScraped notifies item-scraped listeners.
func (b *Bus) EmitItemScraped(item *crawl.Item) {
	b.mu.RLock()
	listeners := b.scraped
	b.mu.RUnlock()
	for _, fn := range listeners {
		b.safely("item-scraped", func() { fn(item) })
	}
}

// EmitItemDropped notifies item-dropped listeners.
func (b *Bus) EmitItemDropped(item *crawl.Item) {
	b.mu.RLock()
	listeners := b.dropped
	b.mu.RUnlock()
	for _, fn := range listeners {
		b.safely("item-dropped", func() { fn(item) })
	}
}

// safely runs one listener, containing panics to that listener alone.
func (b *Bus) safely(signal string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("signal listener panicked",
				zap.String("signal", signal), zap.Any("panic", r))
		}
	}()
	fn()
}
