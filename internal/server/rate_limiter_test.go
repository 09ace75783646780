package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestRateLimiterBurstAndRefill checks the bucket empties after its burst and
// refills at capacity per interval.
func TestRateLimiterBurstAndRefill(t *testing.T) {
	clock := time.Now()
	rl := newRateLimiter(3, time.Second)
	rl.now = func() time.Time { return clock }
	rl.lastCheck = clock

	for i := 0; i < 3; i++ {
		assert.True(t, rl.allow(), "token %d", i)
	}
	assert.False(t, rl.allow())

	clock = clock.Add(time.Second / 2)
	assert.True(t, rl.allow())
	assert.False(t, rl.allow())

	clock = clock.Add(time.Hour)
	for i := 0; i < 3; i++ {
		assert.True(t, rl.allow())
	}
	assert.False(t, rl.allow(), "refill is capped at capacity")
}

func TestRateLimiterInvalidSettings(t *testing.T) {
	rl := newRateLimiter(0, 0)
	assert.True(t, rl.allow())
	assert.False(t, rl.allow())
}
