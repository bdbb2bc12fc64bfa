package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterSlidingWindow(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(2, 3*time.Second)
	limiter.now = func() time.Time { return now }

	assert.True(t, limiter.Allow("alice"))
	assert.True(t, limiter.Allow("alice"))
	assert.False(t, limiter.Allow("alice"))
	assert.True(t, limiter.Allow("bob"), "keys are independent")

	now = now.Add(3 * time.Second)
	assert.True(t, limiter.Allow("alice"))

	limiter.Forget("alice")
	assert.True(t, limiter.Allow("alice"))
	assert.False(t, limiter.Allow("alice"))
}

func TestRateLimiterDisabled(t *testing.T) {
	limiter := NewRateLimiter(0, time.Second)
	for range 100 {
		assert.True(t, limiter.Allow("alice"))
	}
	var nilLimiter *RateLimiter
	assert.True(t, nilLimiter.Allow("alice"))
	nilLimiter.Forget("alice")
}

func TestPresenceTracksSessionsPerUser(t *testing.T) {
	presence := NewPresenceTracker()
	assert.Equal(t, 1, presence.Increment("alice"))
	assert.Equal(t, 2, presence.Increment("alice"))
	presence.Increment("bob")
	assert.Equal(t, 2, presence.ActiveCount())

	assert.Equal(t, 1, presence.Decrement("alice"))
	assert.True(t, presence.Online("alice"))
	assert.Equal(t, 0, presence.Decrement("alice"))
	assert.False(t, presence.Online("alice"))
	assert.Equal(t, 0, presence.Decrement("nobody"))
	assert.Equal(t, 1, presence.ActiveCount())
}
