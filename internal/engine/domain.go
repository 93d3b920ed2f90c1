package engine

import (
	"time"

	"github.com/tetherweb/crawlcore/internal/crawl"
)

// State is a domain's lifecycle phase.
type State int

// Lifecycle states, in order.
const (
	StateInitializing State = iota
	StateOpen
	StateIdleCheck
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateOpen:
		return "open"
	case StateIdleCheck:
		return "idle-check"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// InitHook runs domain-specific setup before the domain opens. Requests it
// submits are held in the starter queue rather than scheduled.
type InitHook func(domain string, submit func(req *crawl.Request)) error

// Domain describes one crawl target waiting in the backlog.
type Domain struct {
	Name  string
	Seeds []string
	Init  InitHook
}

// domainState is the engine's live record of one open domain. Mutated only
// under the engine mutex except for the wake channel.
type domainState struct {
	name         string
	runID        string
	state        State
	starter      []*crawl.Request
	inflight     int
	scraping     int
	lastActivity time.Time
	cancelled    bool

	// wake nudges the domain loop after completions, enqueues and
	// pipeline progress. Buffered so notifiers never block.
	wake chan struct{}
}

func (d *domainState) notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}
