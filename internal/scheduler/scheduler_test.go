package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tetherweb/crawlcore/internal/crawl"
	"github.com/tetherweb/crawlcore/internal/middleware"
)

func newTestScheduler(builders ...middleware.Builder) *Scheduler {
	return New(middleware.NewChain("enqueue", zap.NewNop(), builders...), zap.NewNop())
}

func TestEnqueueNextIsFIFOPerDomain(t *testing.T) {
	t.Parallel()

	s := newTestScheduler()
	ctx := context.Background()
	urls := []string{"http://a.com/1", "http://a.com/2", "http://a.com/3"}
	for _, u := range urls {
		require.NoError(t, s.Enqueue(ctx, crawl.NewRequest("a.com", u)))
	}
	require.NoError(t, s.Enqueue(ctx, crawl.NewRequest("b.com", "http://b.com/x")))

	require.Equal(t, 3, s.Len("a.com"))
	for _, want := range urls {
		req, ok := s.Next("a.com")
		require.True(t, ok)
		require.Equal(t, want, req.URL)
	}
	_, ok := s.Next("a.com")
	require.False(t, ok)

	req, ok := s.Next("b.com")
	require.True(t, ok)
	require.Equal(t, "http://b.com/x", req.URL)
}

func TestEnqueueChainCanReject(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(middleware.Builder{
		Name: "dupefilter",
		New:  func() (any, error) { return middleware.NewDuplicateFilter(), nil },
	})
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, crawl.NewRequest("a.com", "http://a.com/page")))
	err := s.Enqueue(ctx, crawl.NewRequest("a.com", "http://a.com/page"))
	require.ErrorIs(t, err, crawl.ErrIgnored)
	require.Equal(t, 1, s.Len("a.com"))
}

func TestDropDiscardsPending(t *testing.T) {
	t.Parallel()

	s := newTestScheduler()
	require.NoError(t, s.Enqueue(context.Background(), crawl.NewRequest("a.com", "http://a.com/1")))
	s.Drop("a.com")
	require.Equal(t, 0, s.Len("a.com"))
	_, ok := s.Next("a.com")
	require.False(t, ok)
}
