package crawl

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across subsystems.
var (
	// ErrIgnored means admission declined a request on purpose: it was a
	// duplicate, or its domain is closing. Expected, logged at debug.
	ErrIgnored = errors.New("request ignored")

	// ErrDropped is returned by a pipeline stage to stop the remaining
	// stages for one item. Intentional, not a failure.
	ErrDropped = errors.New("item dropped")

	// ErrNotConfigured is returned by an interceptor constructor that is
	// missing required settings. The chain omits that interceptor and
	// continues.
	ErrNotConfigured = errors.New("not configured")

	// ErrDomainClosed rejects operations against a domain that has left
	// the Open state.
	ErrDomainClosed = errors.New("domain closed")
)

// TransportError wraps a network-level failure surfaced by the transport
// collaborator. It is eligible for caller-driven retry.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ExtractionError wraps a failure raised by extraction logic. It is logged
// with full context and never aborts the domain.
type ExtractionError struct {
	Domain string
	URL    string
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s (%s): %v", e.URL, e.Domain, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }
