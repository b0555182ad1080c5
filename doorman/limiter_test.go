package doorman

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeExecutor stands in for the REST transport: it records executed
// requests, feeds canned responses back through HandleResponse the way
// the real transport does, and tracks how many executions overlap.
type fakeExecutor struct {
	limiter *RateLimiter

	mu       sync.Mutex
	executed []*Request

	// respond returns the canned status and headers for a request. Nil
	// means a bare 200 with no rate limit headers.
	respond func(req *Request) (int, http.Header)

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *fakeExecutor) Execute(req *Request) (bool, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxInFlight.Load()
		if n <= m || f.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}

	f.mu.Lock()
	f.executed = append(f.executed, req)
	f.mu.Unlock()

	status, header := http.StatusOK, http.Header{}
	if f.respond != nil {
		status, header = f.respond(req)
	}
	f.limiter.HandleResponse(req.Route(), status, header)
	if status == http.StatusTooManyRequests {
		return true, nil
	}
	req.finish(&RestResponse{StatusCode: status, Header: header}, nil)
	return false, nil
}

func (f *fakeExecutor) executedRequests() []*Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Request, len(f.executed))
	copy(out, f.executed)
	return out
}

func newTestLimiter(t *testing.T) (*RateLimiter, *fakeExecutor) {
	t.Helper()
	exec := &fakeExecutor{}
	l := NewRateLimiter(DefaultConfig().RateLimit, exec, nil, testLogger())
	exec.limiter = l
	t.Cleanup(l.ShutdownNow)
	return l, exec
}

func rateLimitResponseHeader(
	bucket string,
	limit int64,
	remaining int64,
	resetAfter string,
) http.Header {
	h := http.Header{}
	if bucket != "" {
		h.Set(headerRateLimitBucket, bucket)
	}
	h.Set(headerRateLimitLimit, strconv.FormatInt(limit, 10))
	h.Set(headerRateLimitRemaining, strconv.FormatInt(remaining, 10))
	h.Set(headerRateLimitResetAfter, resetAfter)
	return h
}

func mustCompile(t *testing.T, route Route, params ...string) *CompiledRoute {
	t.Helper()
	compiled, err := route.Compile(params...)
	require.NoError(t, err)
	return compiled
}

func TestEnqueuePreservesOrder(t *testing.T) {
	l, exec := newTestLimiter(t)

	route := mustCompile(t, routeCreateMessage, "123")
	requests := []*Request{
		NewRequest(route, []byte(`{"content":"one"}`)),
		NewRequest(route, []byte(`{"content":"two"}`)),
		NewRequest(route, []byte(`{"content":"three"}`)),
	}
	for _, req := range requests {
		require.NoError(t, l.Enqueue(req))
	}

	require.Eventually(
		t, func() bool {
			return len(exec.executedRequests()) == len(requests)
		}, 2*time.Second, 10*time.Millisecond,
	)
	assert.Equal(t, requests, exec.executedRequests())
}

// TestHashMigration queues several requests against a route whose bucket
// hash isn't known yet, and verifies that once the first response
// reveals the hash, the remaining requests are moved to the hashed
// bucket in their original order.
func TestHashMigration(t *testing.T) {
	l, exec := newTestLimiter(t)
	exec.respond = func(*Request) (int, http.Header) {
		return http.StatusOK, rateLimitResponseHeader("abc123", 5, 4, "1.250")
	}

	route := mustCompile(t, routeCreateMessage, "123")
	requests := []*Request{
		NewRequest(route, nil),
		NewRequest(route, nil),
		NewRequest(route, nil),
	}
	for _, req := range requests {
		require.NoError(t, l.Enqueue(req))
	}

	require.Eventually(
		t, func() bool {
			return len(exec.executedRequests()) == len(requests)
		}, 2*time.Second, 10*time.Millisecond,
	)
	assert.Equal(t, requests, exec.executedRequests())

	l.mu.Lock()
	hash := l.hashes[routeCreateMessage.Key()]
	_, hashedBucketExists := l.buckets["abc123:123"]
	l.mu.Unlock()
	assert.Equal(t, "abc123", hash)
	assert.True(t, hashedBucketExists)

	// The emptied provisional bucket is reclaimed; the hashed bucket,
	// with its reset still ahead, is kept.
	l.cleanup()
	l.mu.Lock()
	_, provisionalRemains := l.buckets[unlimitedBucket+"+"+routeCreateMessage.Key()+":123"]
	_, hashedRemains := l.buckets["abc123:123"]
	l.mu.Unlock()
	assert.False(t, provisionalRemains)
	assert.True(t, hashedRemains)
}

// TestProvisionalBucketNaming walks the bucket resolution sequence for a
// route before and after its hash is learned.
func TestProvisionalBucketNaming(t *testing.T) {
	l, _ := newTestLimiter(t)
	route := mustCompile(t, routeGetChannel, "42")

	l.mu.Lock()
	provisional := l.bucketLocked(route, true)
	l.mu.Unlock()
	assert.Equal(t, "unlimited+GET /channels/{channel.id}:42", provisional.id)
	assert.True(t, provisional.unlimited())

	before := time.Now().UnixMilli()
	l.HandleResponse(
		route,
		http.StatusOK,
		rateLimitResponseHeader("H1", 5, 4, "1.250"),
	)

	l.mu.Lock()
	hashed := l.bucketLocked(route, false)
	l.mu.Unlock()
	require.NotNil(t, hashed)
	assert.Equal(t, "H1:42", hashed.id)
	assert.False(t, hashed.unlimited())

	state := hashed.state()
	assert.Equal(t, int64(5), state.Limit)
	assert.Equal(t, int64(4), state.Remaining)
	assert.GreaterOrEqual(t, state.Reset, before+1250)
	assert.LessOrEqual(t, state.Reset, time.Now().UnixMilli()+1250)
}

func TestRecordHashIdempotent(t *testing.T) {
	l, _ := newTestLimiter(t)
	route := mustCompile(t, routeGetChannel, "42")

	header := rateLimitResponseHeader("H1", 5, 4, "1.250")
	l.HandleResponse(route, http.StatusOK, header)
	l.HandleResponse(route, http.StatusOK, header)

	l.mu.Lock()
	hash := l.hashes[routeGetChannel.Key()]
	bucketCount := len(l.buckets)
	l.mu.Unlock()

	assert.Equal(t, "H1", hash)
	assert.Equal(t, 2, bucketCount) // the provisional bucket and H1:42
}

func TestAtMostOneWorkerPerBucket(t *testing.T) {
	l, exec := newTestLimiter(t)
	exec.respond = func(*Request) (int, http.Header) {
		time.Sleep(5 * time.Millisecond)
		return http.StatusOK, http.Header{}
	}

	route := mustCompile(t, routeCreateMessage, "123")
	const total = 10
	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Enqueue(NewRequest(route, nil)))
		}()
	}
	wg.Wait()

	require.Eventually(
		t, func() bool {
			return len(exec.executedRequests()) == total
		}, 5*time.Second, 10*time.Millisecond,
	)
	assert.Equal(t, int32(1), exec.maxInFlight.Load())
}

func TestRateLimitedRequestRetried(t *testing.T) {
	l, exec := newTestLimiter(t)

	var calls atomic.Int32
	exec.respond = func(*Request) (int, http.Header) {
		if calls.Add(1) == 1 {
			h := rateLimitResponseHeader("abc123", 5, 0, "0.025")
			h.Set(headerRetryAfter, "25")
			return http.StatusTooManyRequests, h
		}
		return http.StatusOK, rateLimitResponseHeader("abc123", 5, 4, "1.000")
	}

	route := mustCompile(t, routeCreateMessage, "123")
	req := NewRequest(route, nil)
	done := make(chan *RestResponse, 1)
	req.OnComplete(
		func(resp *RestResponse, err error) {
			assert.NoError(t, err)
			done <- resp
		},
	)
	require.NoError(t, l.Enqueue(req))

	select {
	case resp := <-done:
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	case <-time.After(2 * time.Second):
		t.Fatal("request never completed")
	}
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 2, req.Attempts())
}

func TestGlobalRateLimitBlocksAllRoutes(t *testing.T) {
	l, _ := newTestLimiter(t)
	route := mustCompile(t, routeCreateMessage, "123")

	h := http.Header{}
	h.Set(headerRateLimitGlobal, "true")
	h.Set(headerRetryAfter, "5000")

	backoff := l.HandleResponse(route, http.StatusTooManyRequests, h)
	assert.Greater(t, backoff, int64(4000))
	assert.LessOrEqual(t, backoff, int64(5000))

	// Another route with no bucket of its own is held back too.
	other := mustCompile(t, routeGetGuild, "999")
	assert.Greater(t, l.Backoff(other), int64(0))
}

func TestCanceledRequestNotExecuted(t *testing.T) {
	l, exec := newTestLimiter(t)

	route := mustCompile(t, routeCreateMessage, "123")
	req := NewRequest(route, nil)
	done := make(chan error, 1)
	req.OnComplete(
		func(_ *RestResponse, err error) {
			done <- err
		},
	)
	req.Cancel()
	require.NoError(t, l.Enqueue(req))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrRequestCanceled)
	case <-time.After(2 * time.Second):
		t.Fatal("canceled request never completed")
	}
	assert.Empty(t, exec.executedRequests())
}

func TestTransportFailureDropsAfterMaxAttempts(t *testing.T) {
	config := DefaultConfig().RateLimit
	config.MaxAttempts = 2
	l := NewRateLimiter(config, &failingExecutor{}, nil, testLogger())
	t.Cleanup(l.ShutdownNow)

	route := mustCompile(t, routeCreateMessage, "123")
	req := NewRequest(route, nil)
	done := make(chan error, 1)
	req.OnComplete(
		func(_ *RestResponse, err error) {
			done <- err
		},
	)
	require.NoError(t, l.Enqueue(req))

	select {
	case err := <-done:
		assert.ErrorContains(t, err, "connection refused")
	case <-time.After(2 * time.Second):
		t.Fatal("request never completed")
	}
	assert.Equal(t, 2, req.Attempts())
}

// failingExecutor always fails at the transport level.
type failingExecutor struct{}

func (f *failingExecutor) Execute(*Request) (bool, error) {
	return false, &net.OpError{Op: "dial", Err: errors.New("connection refused")}
}

func TestCleanupRemovesExpiredEmptyBuckets(t *testing.T) {
	l, exec := newTestLimiter(t)

	route := mustCompile(t, routeCreateMessage, "123")
	require.NoError(t, l.Enqueue(NewRequest(route, nil)))
	require.Eventually(
		t, func() bool {
			return len(exec.executedRequests()) == 1
		}, 2*time.Second, 10*time.Millisecond,
	)

	l.cleanup()
	assert.Empty(t, l.BucketStates())
}

func TestCleanupKeepsBucketsWithQueuedRequests(t *testing.T) {
	l, _ := newTestLimiter(t)

	// Hold everything back so the queued request stays put.
	l.global.Set(time.Now().UnixMilli() + time.Hour.Milliseconds())

	route := mustCompile(t, routeCreateMessage, "123")
	require.NoError(t, l.Enqueue(NewRequest(route, nil)))

	l.cleanup()
	states := l.BucketStates()
	require.Len(t, states, 1)
	assert.Equal(t, 1, states[0].Pending)
}

func TestEnqueueAfterShutdown(t *testing.T) {
	l, _ := newTestLimiter(t)
	l.Shutdown()

	route := mustCompile(t, routeCreateMessage, "123")
	err := l.Enqueue(NewRequest(route, nil))
	assert.ErrorIs(t, err, ErrLimiterShutdown)
}

func TestSeparateMajorParametersSeparateBuckets(t *testing.T) {
	l, _ := newTestLimiter(t)

	header := rateLimitResponseHeader("abc123", 5, 4, "1.000")
	l.HandleResponse(mustCompile(t, routeCreateMessage, "111"), http.StatusOK, header)
	l.HandleResponse(mustCompile(t, routeCreateMessage, "222"), http.StatusOK, header)

	l.mu.Lock()
	_, first := l.buckets["abc123:111"]
	_, second := l.buckets["abc123:222"]
	l.mu.Unlock()
	assert.True(t, first)
	assert.True(t, second)
}
