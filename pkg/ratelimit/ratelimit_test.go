package ratelimit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLocalLimiterAllowsWithinBurst(t *testing.T) {
	l := NewLocalLimiter(1, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := l.Allow(ctx, "agent-1")
		assert.NoError(t, err)
		assert.True(t, allowed, "request %d should be within burst", i)
	}

	allowed, err := l.Allow(ctx, "agent-1")
	assert.NoError(t, err)
	assert.False(t, allowed, "request beyond burst should be throttled")
}

func TestLocalLimiterTracksAgentsIndependently(t *testing.T) {
	l := NewLocalLimiter(1, 1)
	ctx := context.Background()

	allowed, _ := l.Allow(ctx, "agent-1")
	assert.True(t, allowed)
	allowed, _ = l.Allow(ctx, "agent-1")
	assert.False(t, allowed)

	allowed, _ = l.Allow(ctx, "agent-2")
	assert.True(t, allowed, "a different agent has its own bucket")
}
