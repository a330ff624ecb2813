package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvalidArgsDisableLimiting(t *testing.T) {
	assert.Nil(t, New(0, 10, time.Minute))
	assert.Nil(t, New(5, 0, time.Minute))

	var l *Limiter
	assert.True(t, l.Allow("alice", time.Now()))
	assert.Zero(t, l.Len())
}

func TestBurstThenRefill(t *testing.T) {
	l := New(1, 3, time.Minute)
	require.NotNil(t, l)
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("alice", now), "burst token %d", i)
	}
	assert.False(t, l.Allow("alice", now))

	// other users have their own bucket
	assert.True(t, l.Allow("bob", now))

	assert.True(t, l.Allow("alice", now.Add(time.Second)))
	assert.False(t, l.Allow("alice", now.Add(time.Second)))
}

func TestBlankUserIsNotLimited(t *testing.T) {
	l := New(1, 1, time.Minute)
	now := time.Now()
	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("  ", now))
	}
	assert.Zero(t, l.Len())
}

func TestIdleBucketsAreSwept(t *testing.T) {
	l := New(100, 100, time.Minute)
	start := time.Unix(1_700_000_000, 0)

	l.Allow("idle", start)
	later := start.Add(2 * time.Minute)
	for i := 1; i < sweepEvery; i++ {
		l.Allow(fmt.Sprintf("user%d", i%10), later)
	}

	assert.Equal(t, 10, l.Len())
}
