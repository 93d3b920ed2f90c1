// Package crawl defines core types shared across subsystems.
package crawl

import (
	"net/http"
	"net/url"
	"time"
)

// Request describes a single fetch the engine may dispatch. A Request is
// immutable after creation; bookkeeping such as retry counts lives in the
// structures that carry it, not in the Request itself.
type Request struct {
	URL      string
	Method   string
	Body     []byte
	Header   http.Header
	Domain   string
	Priority int

	// Persist marks a request that survives retries with its original
	// fingerprint, letting the caller resubmit after a transport failure
	// without being treated as a duplicate.
	Persist bool

	fingerprint string
}

// NewRequest builds a GET request for the given domain and URL.
func NewRequest(domain, rawURL string) *Request {
	return &Request{
		URL:    rawURL,
		Method: http.MethodGet,
		Domain: domain,
	}
}

// Host returns the request's hostname, or "" if the URL does not parse.
func (r *Request) Host() string {
	u, err := url.Parse(r.URL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// Fingerprint returns the request's stable dedup identifier, computing and
// caching it on first use.
func (r *Request) Fingerprint() string {
	if r.fingerprint == "" {
		r.fingerprint = Fingerprint(r.Method, r.URL, r.Body)
	}
	return r.fingerprint
}

// Response is the result of a completed download.
type Response struct {
	Request    *Request
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Result pairs a Response with the error that displaced it. Exactly one of
// the two fields is set.
type Result struct {
	Response *Response
	Err      error
}

// Item is an opaque scraped result tagged with the domain it belongs to.
type Item struct {
	Domain  string
	Payload any
}
