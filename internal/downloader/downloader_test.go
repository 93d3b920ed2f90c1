package downloader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tetherweb/crawlcore/internal/clock/system"
	"github.com/tetherweb/crawlcore/internal/crawl"
)

// gateTransport blocks each download until released, recording concurrency.
type gateTransport struct {
	mu      sync.Mutex
	active  int
	maxSeen int
	started chan string
	release chan struct{}
	fail    map[string]error
}

func newGateTransport() *gateTransport {
	return &gateTransport{
		started: make(chan string, 32),
		release: make(chan struct{}, 32),
		fail:    make(map[string]error),
	}
}

func (g *gateTransport) Download(ctx context.Context, req *crawl.Request) (*crawl.Response, error) {
	g.mu.Lock()
	g.active++
	if g.active > g.maxSeen {
		g.maxSeen = g.active
	}
	g.mu.Unlock()

	g.started <- req.URL
	select {
	case <-g.release:
	case <-ctx.Done():
	}

	g.mu.Lock()
	g.active--
	err := g.fail[req.URL]
	g.mu.Unlock()

	if err != nil {
		return nil, &crawl.TransportError{URL: req.URL, Err: err}
	}
	return &crawl.Response{Request: req, StatusCode: 200}, nil
}

func newTestDownloader(t *testing.T, cfg Config, transport crawl.Transport) *Downloader {
	t.Helper()
	return New(cfg, transport, system.New(), zap.NewNop())
}

func TestFetchRespectsSlotConcurrency(t *testing.T) {
	t.Parallel()

	gate := newGateTransport()
	d := newTestDownloader(t, Config{MaxConcurrent: 10, MaxPerSlot: 2}, gate)

	results := make([]<-chan crawl.Result, 0, 5)
	for i := range 5 {
		req := crawl.NewRequest("example.com", fmt.Sprintf("http://example.com/p%d", i))
		results = append(results, d.Fetch(context.Background(), req))
	}

	// Exactly two dispatch immediately.
	for range 2 {
		select {
		case <-gate.started:
		case <-time.After(time.Second):
			t.Fatal("expected two immediate dispatches")
		}
	}
	select {
	case url := <-gate.started:
		t.Fatalf("third dispatch %s before capacity freed", url)
	case <-time.After(50 * time.Millisecond):
	}

	// The remaining three dispatch in FIFO order as capacity frees.
	want := []string{"http://example.com/p2", "http://example.com/p3", "http://example.com/p4"}
	for _, expected := range want {
		gate.release <- struct{}{}
		select {
		case url := <-gate.started:
			require.Equal(t, expected, url)
		case <-time.After(time.Second):
			t.Fatalf("dispatch of %s never happened", expected)
		}
	}
	for range 2 {
		gate.release <- struct{}{}
	}
	for _, ch := range results {
		select {
		case res := <-ch:
			require.NoError(t, res.Err)
		case <-time.After(time.Second):
			t.Fatal("result never delivered")
		}
	}
	require.LessOrEqual(t, gate.maxSeen, 2, "active set exceeded the slot budget")
	require.Equal(t, 0, d.SlotCount(), "drained slot should be destroyed")
}

func TestFetchHonorsDelayBetweenDispatches(t *testing.T) {
	t.Parallel()

	gate := newGateTransport()
	delay := 150 * time.Millisecond
	d := newTestDownloader(t, Config{MaxConcurrent: 10, MaxPerSlot: 2, Delay: delay}, gate)

	first := d.Fetch(context.Background(), crawl.NewRequest("example.com", "http://example.com/a"))
	second := d.Fetch(context.Background(), crawl.NewRequest("example.com", "http://example.com/b"))

	<-gate.started
	t0 := time.Now()
	gate.release <- struct{}{}
	<-gate.started
	elapsed := time.Since(t0)
	require.GreaterOrEqual(t, elapsed, delay-20*time.Millisecond,
		"second dispatch arrived inside the delay window")
	gate.release <- struct{}{}

	for _, ch := range []<-chan crawl.Result{first, second} {
		res := <-ch
		require.NoError(t, res.Err)
	}
}

func TestRandomizedDelayKeepsHalfDelayFloor(t *testing.T) {
	t.Parallel()

	gate := newGateTransport()
	delay := 200 * time.Millisecond
	d := newTestDownloader(t, Config{
		MaxConcurrent:  10,
		MaxPerSlot:     1,
		Delay:          delay,
		RandomizeDelay: true,
	}, gate)

	channels := make([]<-chan crawl.Result, 0, 3)
	for i := range 3 {
		req := crawl.NewRequest("example.com", fmt.Sprintf("http://example.com/r%d", i))
		channels = append(channels, d.Fetch(context.Background(), req))
	}

	// Each redrawn delay lands in [0.5*delay, 1.5*delay); every gap
	// between consecutive dispatches must respect the floor.
	<-gate.started
	for range 2 {
		t0 := time.Now()
		gate.release <- struct{}{}
		select {
		case <-gate.started:
		case <-time.After(time.Second):
			t.Fatal("next dispatch never happened")
		}
		require.GreaterOrEqual(t, time.Since(t0), delay/2-20*time.Millisecond,
			"dispatch arrived inside the randomized floor")
	}
	gate.release <- struct{}{}

	for _, ch := range channels {
		res := <-ch
		require.NoError(t, res.Err)
	}
}

func TestPerDomainSlotsIsolateBudgets(t *testing.T) {
	t.Parallel()

	gate := newGateTransport()
	d := newTestDownloader(t, Config{
		MaxConcurrent:  10,
		MaxPerSlot:     1,
		PerDomainSlots: true,
	}, gate)

	// Same host, two domains: each domain gets its own slot, so both
	// dispatch immediately despite the per-slot budget of one.
	first := d.Fetch(context.Background(), crawl.NewRequest("alpha.test", "http://shared.example.com/a"))
	second := d.Fetch(context.Background(), crawl.NewRequest("beta.test", "http://shared.example.com/b"))

	for range 2 {
		select {
		case <-gate.started:
		case <-time.After(time.Second):
			t.Fatal("both domains should dispatch immediately")
		}
	}
	require.Equal(t, 2, d.SlotCount(), "each domain should own a slot for the host")

	for range 2 {
		gate.release <- struct{}{}
	}
	for _, ch := range []<-chan crawl.Result{first, second} {
		res := <-ch
		require.NoError(t, res.Err)
	}
}

func TestFailedRequestFreesCapacity(t *testing.T) {
	t.Parallel()

	gate := newGateTransport()
	gate.fail["http://example.com/r1"] = errors.New("connection reset")
	d := newTestDownloader(t, Config{MaxConcurrent: 10, MaxPerSlot: 1}, gate)

	urls := []string{"http://example.com/r1", "http://example.com/r2", "http://example.com/r3"}
	channels := make([]<-chan crawl.Result, 0, len(urls))
	for _, u := range urls {
		channels = append(channels, d.Fetch(context.Background(), crawl.NewRequest("example.com", u)))
	}

	for i, u := range urls {
		got := <-gate.started
		require.Equal(t, u, got, "dispatch order should be FIFO")
		gate.release <- struct{}{}
		res := <-channels[i]
		if i == 0 {
			var te *crawl.TransportError
			require.ErrorAs(t, res.Err, &te)
		} else {
			require.NoError(t, res.Err)
		}
	}
}

func TestNeedsBackoutAtGlobalCeiling(t *testing.T) {
	t.Parallel()

	gate := newGateTransport()
	d := newTestDownloader(t, Config{MaxConcurrent: 2, MaxPerSlot: 2}, gate)
	require.False(t, d.NeedsBackout())

	a := d.Fetch(context.Background(), crawl.NewRequest("a.com", "http://a.com/"))
	b := d.Fetch(context.Background(), crawl.NewRequest("b.com", "http://b.com/"))
	<-gate.started
	<-gate.started
	require.True(t, d.NeedsBackout())
	require.Equal(t, 2, d.Active())

	gate.release <- struct{}{}
	gate.release <- struct{}{}
	<-a
	<-b
	require.False(t, d.NeedsBackout())
}

func TestQueuedRequestCancelledBeforeDispatch(t *testing.T) {
	t.Parallel()

	gate := newGateTransport()
	d := newTestDownloader(t, Config{MaxConcurrent: 10, MaxPerSlot: 1}, gate)

	first := d.Fetch(context.Background(), crawl.NewRequest("example.com", "http://example.com/a"))
	ctx, cancel := context.WithCancel(context.Background())
	second := d.Fetch(ctx, crawl.NewRequest("example.com", "http://example.com/b"))

	<-gate.started
	cancel()
	gate.release <- struct{}{}

	res := <-second
	require.ErrorIs(t, res.Err, context.Canceled)
	require.NoError(t, (<-first).Err)
}

func TestActiveForDomainCountsQueuedAndInflight(t *testing.T) {
	t.Parallel()

	gate := newGateTransport()
	d := newTestDownloader(t, Config{MaxConcurrent: 10, MaxPerSlot: 1}, gate)

	first := d.Fetch(context.Background(), crawl.NewRequest("example.com", "http://example.com/a"))
	second := d.Fetch(context.Background(), crawl.NewRequest("example.com", "http://example.com/b"))
	<-gate.started
	require.Equal(t, 2, d.ActiveForDomain("example.com"))
	require.Equal(t, 0, d.ActiveForDomain("other.com"))

	gate.release <- struct{}{}
	gate.release <- struct{}{}
	<-gate.started
	<-first
	<-second
	require.Equal(t, 0, d.ActiveForDomain("example.com"))
}

type staticResolver struct{ ip string }

func (r staticResolver) LookupIPKey(_ context.Context, _ string) (string, error) {
	return r.ip, nil
}

func TestKeyByIPCoalescesHostnames(t *testing.T) {
	t.Parallel()

	gate := newGateTransport()
	d := New(
		Config{MaxConcurrent: 10, MaxPerSlot: 1, KeyMode: KeyByIP},
		gate, system.New(), zap.NewNop(),
		WithResolver(staticResolver{ip: "10.0.0.1"}),
	)

	first := d.Fetch(context.Background(), crawl.NewRequest("d", "http://one.example.com/"))
	second := d.Fetch(context.Background(), crawl.NewRequest("d", "http://two.example.com/"))

	<-gate.started
	select {
	case url := <-gate.started:
		t.Fatalf("second host %s dispatched despite shared IP slot", url)
	case <-time.After(50 * time.Millisecond):
	}
	require.Equal(t, 1, d.SlotCount())

	gate.release <- struct{}{}
	<-gate.started
	gate.release <- struct{}{}
	<-first
	<-second
}

func TestFetchRejectsAfterClose(t *testing.T) {
	t.Parallel()

	d := newTestDownloader(t, Config{MaxConcurrent: 2, MaxPerSlot: 1}, newGateTransport())
	d.Close()
	res := <-d.Fetch(context.Background(), crawl.NewRequest("d", "http://example.com/"))
	require.ErrorIs(t, res.Err, crawl.ErrIgnored)
}
