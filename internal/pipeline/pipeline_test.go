package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tetherweb/crawlcore/internal/crawl"
	"github.com/tetherweb/crawlcore/internal/signals"
)

type stageFunc struct {
	name string
	fn   func(ctx context.Context, item *crawl.Item) (*crawl.Item, error)
}

func (s stageFunc) Name() string { return s.name }

func (s stageFunc) Process(ctx context.Context, item *crawl.Item) (*crawl.Item, error) {
	return s.fn(ctx, item)
}

func passStage(name string) Stage {
	return stageFunc{name: name, fn: func(_ context.Context, item *crawl.Item) (*crawl.Item, error) {
		return item, nil
	}}
}

func collect(bus *signals.Bus) (scraped, dropped *sync.Map, done chan *crawl.Item) {
	scraped, dropped = &sync.Map{}, &sync.Map{}
	done = make(chan *crawl.Item, 32)
	bus.OnItemScraped(func(item *crawl.Item) {
		scraped.Store(item.Payload, item)
		done <- item
	})
	bus.OnItemDropped(func(item *crawl.Item) {
		dropped.Store(item.Payload, item)
		done <- item
	})
	return scraped, dropped, done
}

func TestDropDoesNotAffectSiblings(t *testing.T) {
	t.Parallel()

	bus := signals.NewBus(zap.NewNop())
	scraped, dropped, done := collect(bus)

	// Stage 2 of 3 drops odd payloads; evens travel all three stages.
	var stage3Seen sync.Map
	chain := New(Config{}, bus, zap.NewNop(),
		passStage("one"),
		stageFunc{name: "two", fn: func(_ context.Context, item *crawl.Item) (*crawl.Item, error) {
			if item.Payload.(int)%2 == 1 {
				return nil, fmt.Errorf("odd payload: %w", crawl.ErrDropped)
			}
			return item, nil
		}},
		stageFunc{name: "three", fn: func(_ context.Context, item *crawl.Item) (*crawl.Item, error) {
			stage3Seen.Store(item.Payload, true)
			return item, nil
		}},
	)

	for i := range 6 {
		require.NoError(t, chain.Push(context.Background(), &crawl.Item{Domain: "d", Payload: i}))
	}
	for range 6 {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("pipeline never finished")
		}
	}

	for i := range 6 {
		_, wasScraped := scraped.Load(i)
		_, wasDropped := dropped.Load(i)
		_, reachedThree := stage3Seen.Load(i)
		if i%2 == 0 {
			require.True(t, wasScraped, "item %d should complete", i)
			require.True(t, reachedThree, "item %d should reach stage three", i)
		} else {
			require.True(t, wasDropped, "item %d should be dropped", i)
			require.False(t, reachedThree, "dropped item %d must not reach stage three", i)
		}
	}
	require.Equal(t, 0, chain.Buffered("d"))
}

func TestStageMayReplaceItem(t *testing.T) {
	t.Parallel()

	bus := signals.NewBus(zap.NewNop())
	scraped, _, done := collect(bus)

	chain := New(Config{}, bus, zap.NewNop(),
		stageFunc{name: "replace", fn: func(_ context.Context, item *crawl.Item) (*crawl.Item, error) {
			return &crawl.Item{Domain: item.Domain, Payload: "replaced"}, nil
		}},
	)
	require.NoError(t, chain.Push(context.Background(), &crawl.Item{Domain: "d", Payload: "original"}))
	<-done
	_, ok := scraped.Load("replaced")
	require.True(t, ok, "final notification should carry the replacement")
}

func TestPerDomainCeilingBackpressuresProducer(t *testing.T) {
	t.Parallel()

	bus := signals.NewBus(zap.NewNop())
	_, _, done := collect(bus)

	release := make(chan struct{})
	chain := New(Config{PerDomainLimit: 2}, bus, zap.NewNop(),
		stageFunc{name: "slow", fn: func(_ context.Context, item *crawl.Item) (*crawl.Item, error) {
			<-release
			return item, nil
		}},
	)

	require.NoError(t, chain.Push(context.Background(), &crawl.Item{Domain: "d", Payload: 1}))
	require.NoError(t, chain.Push(context.Background(), &crawl.Item{Domain: "d", Payload: 2}))

	third := make(chan error, 1)
	go func() {
		third <- chain.Push(context.Background(), &crawl.Item{Domain: "d", Payload: 3})
	}()
	select {
	case <-third:
		t.Fatal("third push should block while the ceiling is saturated")
	case <-time.After(50 * time.Millisecond):
	}

	// Another domain is not back-pressured by d's ceiling.
	require.NoError(t, chain.Push(context.Background(), &crawl.Item{Domain: "other", Payload: 4}))

	close(release)
	require.NoError(t, <-third)
	for range 4 {
		<-done
	}
}

func TestMalformedStageAbandonsOnlyThatItem(t *testing.T) {
	t.Parallel()

	bus := signals.NewBus(zap.NewNop())
	scraped, dropped, done := collect(bus)

	chain := New(Config{}, bus, zap.NewNop(),
		stageFunc{name: "buggy", fn: func(_ context.Context, item *crawl.Item) (*crawl.Item, error) {
			if item.Payload == "bad" {
				return nil, nil // framework contract violation
			}
			return item, nil
		}},
	)
	require.NoError(t, chain.Push(context.Background(), &crawl.Item{Domain: "d", Payload: "bad"}))
	require.NoError(t, chain.Push(context.Background(), &crawl.Item{Domain: "d", Payload: "good"}))
	<-done
	<-done

	_, ok := dropped.Load("bad")
	require.True(t, ok)
	_, ok = scraped.Load("good")
	require.True(t, ok)
}
