package doorman

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRateLimitHeaders(t *testing.T) {
	header := http.Header{}
	header.Set(headerRateLimitBucket, "abcd1234")
	header.Set(headerRateLimitLimit, "5")
	header.Set(headerRateLimitRemaining, "4")
	header.Set(headerRateLimitReset, "1470173023.5")
	header.Set(headerRateLimitResetAfter, "1.250")
	header.Set(headerRetryAfter, "2500")

	h, err := parseRateLimitHeaders(header)
	require.NoError(t, err)

	assert.Equal(t, "abcd1234", h.Bucket)
	assert.False(t, h.Global)
	assert.Equal(t, int64(5), h.Limit)
	assert.Equal(t, int64(4), h.Remaining)
	assert.Equal(t, int64(1470173023500), h.Reset)
	assert.Equal(t, int64(1250), h.ResetAfter)
	assert.Equal(t, int64(2500), h.RetryAfter)
}

func TestParseRateLimitHeadersGlobal(t *testing.T) {
	header := http.Header{}
	header.Set(headerRateLimitGlobal, "true")
	header.Set(headerRetryAfter, "5000")

	h, err := parseRateLimitHeaders(header)
	require.NoError(t, err)
	assert.True(t, h.Global)
	assert.Equal(t, int64(5000), h.RetryAfter)
}

func TestParseRateLimitHeadersMissing(t *testing.T) {
	h, err := parseRateLimitHeaders(http.Header{})
	require.NoError(t, err)
	assert.Equal(t, rateLimitHeaders{}, h)
}

func TestParseRateLimitHeadersMalformed(t *testing.T) {
	for _, name := range []string{
		headerRateLimitLimit,
		headerRateLimitRemaining,
		headerRateLimitReset,
		headerRateLimitResetAfter,
		headerRetryAfter,
	} {
		t.Run(
			name, func(t *testing.T) {
				header := http.Header{}
				header.Set(name, "not-a-number")
				_, err := parseRateLimitHeaders(header)
				assert.ErrorContains(t, err, name)
			},
		)
	}
}
