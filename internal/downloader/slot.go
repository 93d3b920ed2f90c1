package downloader

import (
	"context"
	"time"

	"github.com/tetherweb/crawlcore/internal/crawl"
)

// pending is a queued request together with its continuation channel.
type pending struct {
	ctx context.Context
	req *crawl.Request
	out chan crawl.Result
}

// slot is the per-key accounting unit: concurrency budget, delay policy and
// live/queued requests. Slots are created lazily on first request to a key
// and destroyed once both active and queue are empty. All fields are guarded
// by the Downloader's mutex.
type slot struct {
	key          string
	concurrency  int
	delay        time.Duration
	randomize    bool
	active       map[*crawl.Request]struct{}
	queue        []*pending
	lastDispatch time.Time
	timerSet     bool
}

func newSlot(key string, concurrency int, delay time.Duration, randomize bool) *slot {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &slot{
		key:         key,
		concurrency: concurrency,
		delay:       delay,
		randomize:   randomize,
		active:      make(map[*crawl.Request]struct{}),
	}
}

func (s *slot) empty() bool {
	return len(s.active) == 0 && len(s.queue) == 0
}

func (s *slot) hasCapacity() bool {
	return len(s.active) < s.concurrency
}
