package doorman

import (
	"fmt"
	"net/http"
	"strconv"
)

// Rate limit response header names.
// See: https://discord.com/developers/docs/topics/rate-limits
const (
	headerRateLimitBucket     = "X-RateLimit-Bucket"
	headerRateLimitLimit      = "X-RateLimit-Limit"
	headerRateLimitRemaining  = "X-RateLimit-Remaining"
	headerRateLimitReset      = "X-RateLimit-Reset"
	headerRateLimitResetAfter = "X-RateLimit-Reset-After"
	headerRateLimitGlobal     = "X-RateLimit-Global"
	headerRetryAfter          = "Retry-After"
)

// rateLimitHeaders is the typed view of a response's rate limit headers,
// parsed up front so bucket state is only ever mutated from validated
// values.
//
// Limit, Remaining and RetryAfter are absent-as-zero. Reset and
// ResetAfter are converted from the wire format (seconds, with
// millisecond precision as a decimal) to epoch milliseconds and
// milliseconds respectively.
type rateLimitHeaders struct {
	// Bucket is the server-assigned rate limit group for the route, or
	// empty if the response carried none.
	Bucket string

	// Global is set when the response signals the shared, account-wide
	// limit rather than a per-route one.
	Global bool

	Limit      int64
	Remaining  int64
	Reset      int64
	ResetAfter int64
	RetryAfter int64
}

// parseRateLimitHeaders extracts the rate limit headers from the given
// header set. Missing headers are not an error; malformed values are.
func parseRateLimitHeaders(header http.Header) (rateLimitHeaders, error) {
	h := rateLimitHeaders{
		Bucket: header.Get(headerRateLimitBucket),
		Global: header.Get(headerRateLimitGlobal) != "",
	}

	var err error
	if h.Limit, err = headerInt(header, headerRateLimitLimit); err != nil {
		return h, err
	}
	if h.Remaining, err = headerInt(header, headerRateLimitRemaining); err != nil {
		return h, err
	}
	if h.RetryAfter, err = headerInt(header, headerRetryAfter); err != nil {
		return h, err
	}
	if h.Reset, err = headerMillis(header, headerRateLimitReset); err != nil {
		return h, err
	}
	if h.ResetAfter, err = headerMillis(header, headerRateLimitResetAfter); err != nil {
		return h, err
	}
	return h, nil
}

func headerInt(header http.Header, name string) (int64, error) {
	value := header.Get(name)
	if value == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing header %s=%q: %w", name, value, err)
	}
	return n, nil
}

// headerMillis parses a header holding seconds with a millisecond
// decimal component ("5.250" meaning 5250ms), returning milliseconds.
func headerMillis(header http.Header, name string) (int64, error) {
	value := header.Get(name)
	if value == "" {
		return 0, nil
	}
	seconds, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing header %s=%q: %w", name, value, err)
	}
	return int64(seconds * 1000), nil
}
