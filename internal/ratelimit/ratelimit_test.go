package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, cfg Config) *Limiter {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, "test:", cfg)
}

func TestAcquireAllowsWithinBurst(t *testing.T) {
	l := newTestLimiter(t, Config{RequestsPerSecond: 10, BurstSize: 3})
	now := time.Now()
	for i := 0; i < 3; i++ {
		d, err := l.Acquire(context.Background(), "", now)
		require.NoError(t, err)
		require.True(t, d.Allowed, "attempt %d", i)
	}
}

func TestAcquireDeniesAfterBurstExhausted(t *testing.T) {
	l := newTestLimiter(t, Config{RequestsPerSecond: 10, BurstSize: 2})
	now := time.Now()
	for i := 0; i < 2; i++ {
		_, err := l.Acquire(context.Background(), "", now)
		require.NoError(t, err)
	}
	d, err := l.Acquire(context.Background(), "", now)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestAcquireRefillsOverTime(t *testing.T) {
	l := newTestLimiter(t, Config{RequestsPerSecond: 10, BurstSize: 1})
	now := time.Now()
	d, err := l.Acquire(context.Background(), "", now)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = l.Acquire(context.Background(), "", now)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	d, err = l.Acquire(context.Background(), "", now.Add(200*time.Millisecond))
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestAcquireHostScopeIndependentOfGlobal(t *testing.T) {
	l := newTestLimiter(t, Config{RequestsPerSecond: 100, BurstSize: 50})
	now := time.Now()
	d, err := l.Acquire(context.Background(), "api.example.com", now)
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestWaitForTokenSucceedsAfterRefill(t *testing.T) {
	l := newTestLimiter(t, Config{RequestsPerSecond: 50, BurstSize: 1})
	base := time.Now()
	_, err := l.Acquire(context.Background(), "", base)
	require.NoError(t, err)

	clock := base
	ok, err := l.WaitForToken(context.Background(), "", 200*time.Millisecond, func() time.Time {
		clock = clock.Add(25 * time.Millisecond)
		return clock
	})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestWaitForTokenTimesOut(t *testing.T) {
	l := newTestLimiter(t, Config{RequestsPerSecond: 1, BurstSize: 1})
	base := time.Now()
	_, err := l.Acquire(context.Background(), "", base)
	require.NoError(t, err)

	clock := base
	ok, err := l.WaitForToken(context.Background(), "", 5*time.Millisecond, func() time.Time {
		return clock
	})
	require.NoError(t, err)
	require.False(t, ok)
}
