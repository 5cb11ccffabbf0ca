package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elskow/modhub-identity/internal/config"
)

func TestRateLimiter_Allow(t *testing.T) {
	limiter, err := NewRateLimiter(&newTestConfig().RateLimit)
	require.NoError(t, err)

	assert.True(t, limiter.Allow("198.51.100.1"))
	assert.True(t, limiter.Allow("198.51.100.1"))
	assert.False(t, limiter.Allow("198.51.100.1"), "burst exhausted")

	assert.True(t, limiter.Allow("198.51.100.2"), "buckets are per peer")
}

func TestRateLimiter_EvictsLeastRecentPeer(t *testing.T) {
	limiter, err := NewRateLimiter(&newTestConfig().RateLimit)
	require.NoError(t, err)

	for range 2 {
		limiter.Allow("first")
	}
	require.False(t, limiter.Allow("first"))

	limiter.Allow("second")
	limiter.Allow("third")

	assert.True(t, limiter.Allow("first"), "evicted peers start with a fresh bucket")
}

func TestRateLimiter_Disabled(t *testing.T) {
	limiter, err := NewRateLimiter(&config.RateLimitConfig{Enabled: false, Interval: time.Hour, Burst: 1})
	require.NoError(t, err)

	for range 10 {
		assert.True(t, limiter.Allow("198.51.100.1"))
	}
}
