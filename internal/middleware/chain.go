// Package middleware implements an ordered, composable interceptor chain
// with short-circuit and fallthrough semantics. The same protocol backs
// download interception, scheduler-enqueue interception and result
// post-processing.
package middleware

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/tetherweb/crawlcore/internal/crawl"
)

// RequestInterceptor runs before the underlying operation, in list order.
// Returning (nil, nil) lets the chain continue. A non-nil response or error
// short-circuits: it is used in place of actually performing the operation.
type RequestInterceptor interface {
	BeforeDispatch(ctx context.Context, req *crawl.Request) (*crawl.Response, error)
}

// ResponseInterceptor runs after the operation, in reverse list order. Each
// interceptor may replace the response. The outermost interceptor sees the
// request first and the response last.
type ResponseInterceptor interface {
	AfterResponse(ctx context.Context, req *crawl.Request, resp *crawl.Response) (*crawl.Response, error)
}

// ErrorInterceptor runs in reverse list order when the operation or a later
// interceptor failed. Returning a non-nil response recovers the error;
// returning an error propagates it, possibly rewrapped.
type ErrorInterceptor interface {
	OnError(ctx context.Context, req *crawl.Request, opErr error) (*crawl.Response, error)
}

// Op is the underlying operation a chain wraps: a download, an enqueue, or
// an extraction pass. Ops that produce no response return (nil, nil).
type Op func(ctx context.Context, req *crawl.Request) (*crawl.Response, error)

// Builder constructs one interceptor. A builder may return
// crawl.ErrNotConfigured to decline activation; the chain omits it and
// reports this once at construction time.
type Builder struct {
	Name string
	New  func() (any, error)
}

// Chain is an ordered list of interceptors sharing the three-hook protocol.
type Chain struct {
	name     string
	logger   *zap.Logger
	requests []RequestInterceptor
	resps    []ResponseInterceptor
	errs     []ErrorInterceptor
}

// NewChain builds a chain from the given builders, in order. Builders that
// report crawl.ErrNotConfigured are skipped; builders that fail outright or
// produce an interceptor implementing no hook are skipped with an error log.
// Construction itself never fails.
func NewChain(name string, logger *zap.Logger, builders ...Builder) *Chain {
	c := &Chain{name: name, logger: logger.With(zap.String("chain", name))}
	for _, b := range builders {
		mw, err := b.New()
		if err != nil {
			if errors.Is(err, crawl.ErrNotConfigured) {
				c.logger.Info("interceptor disabled", zap.String("interceptor", b.Name))
			} else {
				c.logger.Error("interceptor construction failed, omitting",
					zap.String("interceptor", b.Name), zap.Error(err))
			}
			continue
		}
		hooked := false
		if ri, ok := mw.(RequestInterceptor); ok {
			c.requests = append(c.requests, ri)
			hooked = true
		}
		if pi, ok := mw.(ResponseInterceptor); ok {
			c.resps = append(c.resps, pi)
			hooked = true
		}
		if ei, ok := mw.(ErrorInterceptor); ok {
			c.errs = append(c.errs, ei)
			hooked = true
		}
		if !hooked {
			c.logger.Error("interceptor implements no hook, omitting",
				zap.String("interceptor", b.Name))
		}
	}
	return c
}

// Execute runs the chain around op: request hooks in order (any may
// short-circuit), then op, then response hooks in reverse order. Errors from
// any step are offered to the error hooks in reverse order, which may
// recover them into a response.
func (c *Chain) Execute(ctx context.Context, req *crawl.Request, op Op) (*crawl.Response, error) {
	resp, err := c.dispatch(ctx, req, op)
	if err == nil {
		for i := len(c.resps) - 1; i >= 0; i-- {
			resp, err = c.resps[i].AfterResponse(ctx, req, resp)
			if err != nil {
				break
			}
		}
	}
	if err != nil {
		return c.recover(ctx, req, err)
	}
	return resp, nil
}

func (c *Chain) dispatch(ctx context.Context, req *crawl.Request, op Op) (*crawl.Response, error) {
	for _, ri := range c.requests {
		resp, err := ri.BeforeDispatch(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp != nil {
			return resp, nil
		}
	}
	return op(ctx, req)
}

func (c *Chain) recover(ctx context.Context, req *crawl.Request, opErr error) (*crawl.Response, error) {
	for i := len(c.errs) - 1; i >= 0; i-- {
		resp, err := c.errs[i].OnError(ctx, req, opErr)
		if resp != nil {
			return resp, nil
		}
		if err != nil {
			opErr = err
		}
	}
	return nil, opErr
}

// Transport wraps inner so every download passes through the chain.
func (c *Chain) Transport(inner crawl.Transport) crawl.Transport {
	return transportFunc(func(ctx context.Context, req *crawl.Request) (*crawl.Response, error) {
		return c.Execute(ctx, req, inner.Download)
	})
}

type transportFunc func(ctx context.Context, req *crawl.Request) (*crawl.Response, error)

func (f transportFunc) Download(ctx context.Context, req *crawl.Request) (*crawl.Response, error) {
	return f(ctx, req)
}
