package doorman

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
)

var (
	// ErrRequestCanceled is delivered to a request's completion callback
	// when it was canceled before execution.
	ErrRequestCanceled = errors.New("request canceled before execution")

	// ErrLimiterShutdown is returned by Enqueue after Shutdown has been
	// called.
	ErrLimiterShutdown = errors.New("rate limiter is shut down")
)

// RestResponse is the raw outcome of an executed request, as delivered
// to the request's completion callback.
type RestResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Request is a single unit of outbound REST work: a compiled route plus
// an opaque JSON payload. Submission is fire-and-forget; callers that
// care about the outcome register a completion callback before
// submitting.
//
// A request may be canceled any time before it executes. Cancellation
// removes it from its bucket's queue without disturbing the order of the
// remaining entries. An in-flight HTTP call can't be aborted.
type Request struct {
	route       *CompiledRoute
	body        []byte
	contentType string

	done func(*RestResponse, error)
	once sync.Once

	canceled atomic.Bool
	attempts atomic.Int32
}

// NewRequest creates a request for the given compiled route. A nil body
// is sent as an empty request body.
func NewRequest(route *CompiledRoute, body []byte) *Request {
	return &Request{
		route:       route,
		body:        body,
		contentType: "application/json",
	}
}

// Route returns the compiled route this request targets.
func (r *Request) Route() *CompiledRoute {
	return r.route
}

// OnComplete registers fn to be called exactly once when the request
// finishes: with a response on success, or with a non-nil error if the
// request was canceled or dropped after repeated transport failures.
// Must be called before the request is submitted.
func (r *Request) OnComplete(fn func(*RestResponse, error)) {
	r.done = fn
}

// Cancel marks the request so the bucket worker discards it instead of
// executing it. No-op once execution has started.
func (r *Request) Cancel() {
	r.canceled.Store(true)
}

// Canceled reports whether Cancel has been called.
func (r *Request) Canceled() bool {
	return r.canceled.Load()
}

// Attempts returns the number of times execution has been attempted.
func (r *Request) Attempts() int {
	return int(r.attempts.Load())
}

// finish delivers the outcome to the completion callback, at most once.
func (r *Request) finish(resp *RestResponse, err error) {
	r.once.Do(
		func() {
			if r.done != nil {
				r.done(resp, err)
			}
		},
	)
}
