package ratelimit

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestAllowEnforcesLimit(t *testing.T) {
	rl := New(Config{
		MaxRequestsPerMinute: 3,
		WindowDuration:       time.Minute,
		Logger:               zap.NewNop(),
	})
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		assert.True(t, rl.allow("10.0.0.1"), "request %d within limit", i+1)
	}
	assert.False(t, rl.allow("10.0.0.1"))

	// Other clients have their own bucket.
	assert.True(t, rl.allow("10.0.0.2"))
}

func TestStopEndsCleanupGoroutine(t *testing.T) {
	before := runtime.NumGoroutine()

	rl := New(Config{MaxRequestsPerMinute: 10, Logger: zap.NewNop()})
	rl.Stop()

	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before
	}, time.Second, 10*time.Millisecond)
}
