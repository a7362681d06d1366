package backpressure

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/aneuhaus/http-queue-manager/internal/breaker"
	"github.com/aneuhaus/http-queue-manager/internal/ratelimit"
)

func newTestController(t *testing.T, cfg Config) (*Controller, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	b := breaker.New(client, "test:", breaker.Config{
		FailureThreshold: 3,
		ResetTimeout:     time.Minute,
		HalfOpenMaxReqs:  1,
		SuccessThreshold: 1,
	}, nil)
	l := ratelimit.New(client, "test:", ratelimit.Config{RequestsPerSecond: 100, BurstSize: 100})
	return New(cfg, b, l), mr
}

func TestCanProceedDeniesAtMaxConcurrency(t *testing.T) {
	c, _ := newTestController(t, Config{MaxConcurrency: 1})
	c.Acquire("a.example.com")

	d, err := c.CanProceed(context.Background(), "b.example.com", time.Now())
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, DenyConcurrency, d.Reason)
}

func TestCanProceedDeniesAtPerHostConcurrency(t *testing.T) {
	c, _ := newTestController(t, Config{MaxConcurrency: 100, PerHostConcurrency: 1})
	c.Acquire("a.example.com")

	d, err := c.CanProceed(context.Background(), "a.example.com", time.Now())
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, DenyConcurrency, d.Reason)

	d2, err := c.CanProceed(context.Background(), "other.example.com", time.Now())
	require.NoError(t, err)
	require.True(t, d2.Allowed)
}

func TestCanProceedDeniesOnOpenCircuit(t *testing.T) {
	c, _ := newTestController(t, Config{MaxConcurrency: 100})
	now := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, c.RecordFailure(context.Background(), "a.example.com", now))
	}

	d, err := c.CanProceed(context.Background(), "a.example.com", now)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, DenyCircuitOpen, d.Reason)
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	c, _ := newTestController(t, Config{MaxConcurrency: 100})
	c.Acquire("a.example.com")
	c.Acquire("a.example.com")
	snap := c.Snapshot()
	require.Equal(t, 2, snap.TotalActive)
	require.Equal(t, 2, snap.ActiveByHost["a.example.com"])

	c.Release("a.example.com")
	c.Release("a.example.com")
	snap = c.Snapshot()
	require.Equal(t, 0, snap.TotalActive)
	_, present := snap.ActiveByHost["a.example.com"]
	require.False(t, present)
}

func TestReleaseSaturatesAtZero(t *testing.T) {
	c, _ := newTestController(t, Config{MaxConcurrency: 100})
	c.Release("a.example.com")
	snap := c.Snapshot()
	require.Equal(t, 0, snap.TotalActive)
}

func TestWaitForSlotSucceedsOnceConcurrencyFrees(t *testing.T) {
	c, _ := newTestController(t, Config{MaxConcurrency: 1})
	c.Acquire("a.example.com")

	done := make(chan struct{})
	go func() {
		time.Sleep(75 * time.Millisecond)
		c.Release("a.example.com")
		close(done)
	}()

	ok, err := c.WaitForSlot(context.Background(), "b.example.com", time.Second, time.Now)
	require.NoError(t, err)
	require.True(t, ok)
	<-done
}

func TestWaitForSlotTimesOut(t *testing.T) {
	c, _ := newTestController(t, Config{MaxConcurrency: 1})
	c.Acquire("a.example.com")

	ok, err := c.WaitForSlot(context.Background(), "b.example.com", 120*time.Millisecond, time.Now)
	require.NoError(t, err)
	require.False(t, ok)
}
