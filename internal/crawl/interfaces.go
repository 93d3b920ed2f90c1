package crawl

import (
	"context"
	"time"
)

// Transport performs the actual byte transfer for a request. The downloader
// treats it as opaque: TLS, redirects and DNS are its business.
type Transport interface {
	Download(ctx context.Context, req *Request) (*Response, error)
}

// Extractor turns a fetched response into follow-up requests and items. It
// is invoked once per successfully fetched response after response-side
// middleware runs.
type Extractor interface {
	Extract(ctx context.Context, resp *Response) ([]*Request, []*Item, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
