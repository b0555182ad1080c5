package doorman

import (
	"strings"
	"sync"
)

// unlimitedBucket prefixes the bucket ID for any route whose
// server-assigned hash isn't known yet. Buckets with this prefix are
// provisional: once a real hash is learned for the route, their queued
// requests are moved to the hashed bucket during the next drain cycle.
const unlimitedBucket = "unlimited"

// bucket tracks the rate limit quota for one hash + major parameter
// combination, along with the FIFO queue of requests waiting to execute
// against it.
//
// The bucket's own mutex guards its queue and quota fields, so workers
// can drain and update it without holding the limiter's table lock for
// the duration of an HTTP call. Table-structural operations (creation,
// migration, cleanup) are the limiter's concern.
type bucket struct {
	id string

	mu    sync.Mutex
	queue []*Request

	// reset is the epoch-millis timestamp at which the current window
	// ends and remaining refreshes to limit.
	reset     int64
	remaining int64
	limit     int64
}

func newBucket(id string) *bucket {
	// A fresh bucket permits a single probe request; real values arrive
	// with the first response.
	return &bucket{
		id:        id,
		remaining: 1,
		limit:     1,
	}
}

// unlimited reports whether this is a provisional bucket, keyed by route
// template rather than a server-assigned hash.
func (b *bucket) unlimited() bool {
	return strings.HasPrefix(b.id, unlimitedBucket)
}

func (b *bucket) enqueue(req *Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(b.queue, req)
}

// peek returns the request at the head of the queue without removing it,
// or nil if the queue is empty.
func (b *bucket) peek() *Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil
	}
	return b.queue[0]
}

// remove deletes the given request from the queue, preserving the order
// of the remaining entries.
func (b *bucket) remove(req *Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, queued := range b.queue {
		if queued == req {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			return
		}
	}
}

func (b *bucket) pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

func (b *bucket) empty() bool {
	return b.pending() == 0
}

// backoff returns the milliseconds this bucket must wait before issuing
// a request. The global guard wins over everything; otherwise an expired
// window lazily refreshes remaining to limit and the bucket may proceed.
// Values are re-derived from the clock on every call rather than cached,
// so concurrent header-driven updates always take effect.
func (b *bucket) backoff(now int64, globalReset int64) int64 {
	if globalReset > now {
		return globalReset - now
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.reset <= now {
		b.remaining = b.limit
		return 0
	}
	if b.remaining < 1 {
		return b.reset - now
	}
	return 0
}

// resetAt returns the bucket's window reset time in epoch millis.
func (b *bucket) resetAt() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reset
}

// exhaust zeroes the bucket's remaining uses until the given reset time.
// Used when a response reports a hard (429) per-route limit.
func (b *bucket) exhaust(resetAt int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remaining = 0
	b.reset = resetAt
}

// update applies quota values from a parsed response. With relative
// reset timing the window end is computed from the local clock plus the
// reset-after duration; otherwise the server's absolute reset timestamp
// is trusted directly.
func (b *bucket) update(h rateLimitHeaders, now int64, relativeReset bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.limit = max(1, h.Limit)
	b.remaining = h.Remaining
	if relativeReset {
		b.reset = now + h.ResetAfter
	} else {
		b.reset = h.Reset
	}
}

// BucketState is a point-in-time snapshot of a bucket, as reported by
// the status API.
type BucketState struct {
	ID        string `json:"id"`
	Limit     int64  `json:"limit"`
	Remaining int64  `json:"remaining"`
	Reset     int64  `json:"reset"`
	Pending   int    `json:"pending"`
	Unlimited bool   `json:"unlimited"`
}

func (b *bucket) state() BucketState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BucketState{
		ID:        b.id,
		Limit:     b.limit,
		Remaining: b.remaining,
		Reset:     b.reset,
		Pending:   len(b.queue),
		Unlimited: strings.HasPrefix(b.id, unlimitedBucket),
	}
}
