package doorman

import (
	"sync/atomic"
)

// GlobalRateLimit is the shared account-wide cooldown: an epoch-millis
// timestamp before which no bucket may issue a request. It's read by
// every bucket's backoff computation and written only from response
// handling. Implementations shared across processes (e.g. sharded bots
// using the same token) should make Set visible to every shard.
type GlobalRateLimit interface {
	// Get returns the timestamp (epoch millis) until which all requests
	// must pause, or 0/past if no global limit is active.
	Get() int64

	// Set advances the cooldown to the given timestamp. The guard only
	// ever moves forward; a value earlier than the current one is
	// ignored.
	Set(resetAt int64)
}

// memoryGlobalRateLimit is the process-local GlobalRateLimit used when
// no external one is provided.
type memoryGlobalRateLimit struct {
	resetAt atomic.Int64
}

// NewGlobalRateLimit returns an in-memory, process-local global rate
// limit guard.
func NewGlobalRateLimit() GlobalRateLimit {
	return &memoryGlobalRateLimit{}
}

func (g *memoryGlobalRateLimit) Get() int64 {
	return g.resetAt.Load()
}

func (g *memoryGlobalRateLimit) Set(resetAt int64) {
	for {
		current := g.resetAt.Load()
		if resetAt <= current {
			return
		}
		if g.resetAt.CompareAndSwap(current, resetAt) {
			return
		}
	}
}
