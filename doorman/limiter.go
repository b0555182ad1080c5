package doorman

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

// How buckets are found for a request:
//
//  1. The route template (method + path) maps to a server-assigned hash,
//     learned from the X-RateLimit-Bucket response header. Until the
//     hash is known, a deterministic "unlimited+<route>" placeholder is
//     used instead.
//  2. The hash plus the route's major parameter forms the bucket ID.
//
// So before any response has been seen, sending messages to channel 123
// queues under "unlimited+POST /channels/{channel.id}/messages:123". The
// first response reveals the real hash, and the drain loop moves the
// remaining queued requests to "<hash>:123" in their original order.

// restExecutor runs a request synchronously from a bucket worker. A true
// return means the request hit a hard rate limit (429) and must stay at
// the head of its queue to be retried on the next cycle.
type restExecutor interface {
	Execute(req *Request) (rateLimited bool, err error)
}

// RateLimiter schedules outbound REST requests so they respect the API's
// per-route and global rate limits, which it learns dynamically from
// response headers. Submission never blocks: requests are queued on
// their bucket and executed in FIFO order by at most one worker per
// bucket, scheduled on the runtime timer pool.
type RateLimiter struct {
	// mu guards the three tables below. Bucket contents (quota fields,
	// queues) have their own locks so an in-flight HTTP call never holds
	// the table lock.
	mu      sync.Mutex
	hashes  map[string]string
	buckets map[string]*bucket
	workers map[string]*time.Timer

	global     GlobalRateLimit
	executor   restExecutor
	config     *RateLimitConfig
	logger     *slog.Logger
	isShutdown bool

	stopCleanup chan struct{}
	stopOnce    sync.Once

	// now returns wall-clock epoch millis; replaceable in tests
	now func() int64
}

// NewRateLimiter creates a limiter that executes requests through the
// given executor. A nil global guard gets a process-local one.
func NewRateLimiter(
	config *RateLimitConfig,
	executor restExecutor,
	global GlobalRateLimit,
	logger *slog.Logger,
) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if global == nil {
		global = NewGlobalRateLimit()
	}
	if config == nil {
		config = DefaultConfig().RateLimit
	}
	return &RateLimiter{
		hashes:      map[string]string{},
		buckets:     map[string]*bucket{},
		workers:     map[string]*time.Timer{},
		global:      global,
		executor:    executor,
		config:      config,
		logger:      logger.With(loggerNameKey, "ratelimit"),
		stopCleanup: make(chan struct{}),
		now: func() int64 {
			return time.Now().UnixMilli()
		},
	}
}

// Start launches the periodic bucket cleanup, which runs until Shutdown
// is called or ctx is canceled.
func (l *RateLimiter) Start(ctx context.Context) {
	interval := l.config.CleanupInterval
	if interval <= 0 {
		interval = DefaultRateLimitCleanupInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stopCleanup:
				return
			case <-ticker.C:
				l.cleanup()
			}
		}
	}()
}

// Enqueue adds the request to the bucket for its route (creating a
// provisional bucket if the route's hash isn't known yet) and ensures a
// worker is scheduled for that bucket.
func (l *RateLimiter) Enqueue(req *Request) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.isShutdown {
		return ErrLimiterShutdown
	}
	b := l.bucketLocked(req.route, true)
	b.enqueue(req)
	l.scheduleLocked(b)
	return nil
}

// Backoff returns the milliseconds the given route must currently wait
// before a request could execute, or 0 if it may proceed immediately.
func (l *RateLimiter) Backoff(route *CompiledRoute) int64 {
	l.mu.Lock()
	b := l.bucketLocked(route, false)
	l.mu.Unlock()

	if b == nil {
		now := l.now()
		if globalReset := l.global.Get(); globalReset > now {
			return globalReset - now
		}
		return 0
	}
	return b.backoff(l.now(), l.global.Get())
}

// HandleResponse folds an executed request's response headers back into
// bucket and hash state. For 429 responses it returns the computed
// backoff in milliseconds; otherwise 0. Header parsing failures are
// logged and absorbed, never propagated.
func (l *RateLimiter) HandleResponse(
	route *CompiledRoute,
	statusCode int,
	header http.Header,
) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.updateBucketLocked(route, statusCode, header)
	if statusCode == http.StatusTooManyRequests {
		return b.backoff(l.now(), l.global.Get())
	}
	return 0
}

// BucketStates returns a snapshot of every live bucket, for the status
// API.
func (l *RateLimiter) BucketStates() []BucketState {
	l.mu.Lock()
	defer l.mu.Unlock()

	states := make([]BucketState, 0, len(l.buckets))
	for _, b := range l.buckets {
		states = append(states, b.state())
	}
	return states
}

// Shutdown stops accepting new requests and cancels the periodic
// cleanup. Workers already running finish their current drain cycle but
// don't reschedule.
func (l *RateLimiter) Shutdown() {
	l.mu.Lock()
	l.isShutdown = true
	l.mu.Unlock()

	l.stopOnce.Do(
		func() {
			close(l.stopCleanup)
		},
	)
}

// ShutdownNow is Shutdown plus cancellation of every scheduled (not yet
// started) bucket worker. Queued requests are left in place.
func (l *RateLimiter) ShutdownNow() {
	l.Shutdown()

	l.mu.Lock()
	defer l.mu.Unlock()
	for id, timer := range l.workers {
		timer.Stop()
		delete(l.workers, id)
	}
}

// routeHashLocked returns the learned hash for the route, or the
// "unlimited" placeholder keyed by the route itself. Callers hold l.mu.
func (l *RateLimiter) routeHashLocked(route Route) string {
	if hash, ok := l.hashes[route.Key()]; ok {
		return hash
	}
	return unlimitedBucket + "+" + route.Key()
}

// recordHashLocked stores the server-assigned hash for a route. Hashes
// are kept for the process lifetime; a repeat observation of the same
// hash is a no-op, and a changed hash overwrites with a warning for
// auditability. Callers hold l.mu.
func (l *RateLimiter) recordHashLocked(route Route, hash string) {
	previous, ok := l.hashes[route.Key()]
	switch {
	case !ok:
		l.logger.Debug("caching bucket hash", "route", route.Key(), "hash", hash)
	case previous != hash:
		l.logger.Warn(
			"bucket hash changed",
			"route", route.Key(),
			"previous", previous,
			"hash", hash,
		)
	default:
		return
	}
	l.hashes[route.Key()] = hash
}

// bucketLocked resolves the bucket for a route's current hash + major
// parameter, optionally creating it. Callers hold l.mu.
func (l *RateLimiter) bucketLocked(route *CompiledRoute, create bool) *bucket {
	hash := l.routeHashLocked(route.Route())
	id := hash + ":" + route.MajorParameter()
	b := l.buckets[id]
	if b == nil && create {
		b = newBucket(id)
		l.buckets[id] = b
	}
	return b
}

// scheduleLocked schedules a worker for the bucket after its current
// backoff, unless one is already registered. The worker table's
// insert-if-absent check is what guarantees at most one concurrent
// worker per bucket. Callers hold l.mu.
func (l *RateLimiter) scheduleLocked(b *bucket) {
	if l.isShutdown {
		return
	}
	if _, ok := l.workers[b.id]; ok {
		return
	}
	delay := time.Duration(b.backoff(l.now(), l.global.Get())) * time.Millisecond
	l.workers[b.id] = time.AfterFunc(
		delay, func() {
			l.drain(b)
		},
	)
}

// updateBucketLocked applies a response to the route's bucket: learns
// the bucket hash (re-resolving to the hashed bucket), advances the
// global guard, records hard 429 limits, or updates quota values. Any
// parse failure is logged with full context and the stale bucket is
// returned untouched. Callers hold l.mu.
func (l *RateLimiter) updateBucketLocked(
	route *CompiledRoute,
	statusCode int,
	header http.Header,
) *bucket {
	b := l.bucketLocked(route, true)

	h, err := parseRateLimitHeaders(header)
	if err != nil {
		l.logger.Error(
			"failed to update bucket from response",
			"route", route.String(),
			"bucket", b.id,
			"status_code", statusCode,
			"headers", header,
			tint.Err(err),
		)
		return b
	}

	wasUnlimited := b.unlimited()
	now := l.now()

	if h.Bucket != "" {
		l.recordHashLocked(route.Route(), h.Bucket)
		b = l.bucketLocked(route, true)
	}

	if h.Global {
		l.global.Set(now + h.RetryAfter)
		l.logger.Error(
			"hit the global rate limit",
			"retry_after", h.RetryAfter,
		)
	} else if statusCode == http.StatusTooManyRequests {
		b.exhaust(now + h.RetryAfter)
		// A 429 that coincides with first-time hash discovery is an
		// expected transitional event for a formerly-unhashed route,
		// not a real violation.
		if h.Bucket == "" || !wasUnlimited {
			l.logger.Warn(
				"hit rate limit on route",
				"route", route.String(),
				"bucket", b.id,
				"retry_after", h.RetryAfter,
			)
		} else {
			l.logger.Debug(
				"hit rate limit on route",
				"route", route.String(),
				"bucket", b.id,
				"retry_after", h.RetryAfter,
			)
		}
		return b
	}

	// Without a bucket hash there isn't enough information to update
	// quota values.
	if h.Bucket == "" {
		return b
	}

	b.update(h, now, l.config.RelativeReset)
	l.logger.Log(
		context.Background(), levelTrace, "updated bucket",
		"bucket", b.id,
		"remaining", h.Remaining,
		"limit", h.Limit,
	)
	return b
}

// drain is the bucket worker body. It walks the queue in FIFO order,
// stopping (without removing the current entry) when the bucket needs to
// back off, when a 429 requires a retry, or when the transport fails.
// On exit the worker unregisters itself and, if work remains, schedules
// a replacement after the bucket's current backoff.
func (l *RateLimiter) drain(b *bucket) {
	logger := l.logger.With("bucket", b.id)
	logger.Log(
		context.Background(), levelTrace, "draining bucket",
		"pending", b.pending(),
	)

	for {
		if wait := b.backoff(l.now(), l.global.Get()); wait > 0 {
			logger.Debug("backing off", "delay_ms", wait)
			break
		}

		req := b.peek()
		if req == nil {
			break
		}

		if req.Canceled() {
			b.remove(req)
			req.finish(nil, ErrRequestCanceled)
			continue
		}

		// A provisional bucket re-resolves each request before running
		// it: if a real hash has been learned since the request was
		// queued, it belongs to (and is moved to) the hashed bucket.
		if b.unlimited() && l.rehome(b, req) {
			continue
		}

		req.attempts.Add(1)
		rateLimited, err := l.executor.Execute(req)
		if err != nil {
			if req.Attempts() >= l.config.MaxAttempts {
				b.remove(req)
				req.finish(nil, err)
				logger.Error(
					"dropping request after repeated transport failures",
					"route", req.route.String(),
					"attempts", req.Attempts(),
					tint.Err(err),
				)
			} else {
				logger.Error(
					"error executing request",
					"route", req.route.String(),
					"attempts", req.Attempts(),
					tint.Err(err),
				)
			}
			break
		}
		if rateLimited {
			// Hard 429: leave the request at the head of the queue so
			// the next cycle retries it.
			break
		}
		b.remove(req)
	}

	l.mu.Lock()
	delete(l.workers, b.id)
	if !b.empty() {
		l.scheduleLocked(b)
	}
	l.mu.Unlock()
}

// rehome moves a request from a provisional bucket to the bucket its
// route currently resolves to, if they differ, and wakes the target's
// worker. Relative order is preserved by appending.
func (l *RateLimiter) rehome(b *bucket, req *Request) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	target := l.bucketLocked(req.route, true)
	if target == b {
		return false
	}
	target.enqueue(req)
	b.remove(req)
	l.scheduleLocked(target)
	return true
}

// cleanup removes buckets holding no queued requests that are either
// still provisional or past their reset time. Learned route hashes are
// retained indefinitely; they're bounded by the number of distinct API
// routes, not by traffic.
func (l *RateLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for id, b := range l.buckets {
		if !b.empty() {
			continue
		}
		if b.unlimited() || b.resetAt() <= now {
			delete(l.buckets, id)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug("removed expired buckets", "count", removed)
	}
}
