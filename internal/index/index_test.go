package index

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/aneuhaus/http-queue-manager/internal/queue"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, "test:", nil)
}

func sampleRequest(id string, priority int) queue.Request {
	return queue.Request{
		ID: id, URL: "https://example.com/hook", Method: "POST",
		Priority: priority, MaxRetries: 3, TimeoutMs: 5000, CreatedAt: time.Now(),
	}
}

func TestEnqueueThenDequeueRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Enqueue(ctx, sampleRequest("r1", 50)))

	req, ok, err := s.Dequeue(ctx, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "r1", req.ID)

	n, err := s.ProcessingLen(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestDequeueOrdersByPriority(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Enqueue(ctx, sampleRequest("low", 10)))
	require.NoError(t, s.Enqueue(ctx, sampleRequest("high", 90)))

	req, ok, err := s.Dequeue(ctx, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "high", req.ID, "higher priority must dequeue first")
}

func TestDequeueEmptyReturnsFalse(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.Dequeue(context.Background(), time.Now())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEnqueueScheduledIsPromotedWhenDue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.EnqueueScheduled(ctx, sampleRequest("r1", 50), now.Add(-time.Second)))

	ids, err := s.PromoteScheduledRequests(ctx, now)
	require.NoError(t, err)
	require.Equal(t, []string{"r1"}, ids)

	req, ok, err := s.Dequeue(ctx, now)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "r1", req.ID)
}

func TestEnqueueScheduledNotYetDueStaysScheduled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.EnqueueScheduled(ctx, sampleRequest("r1", 50), now.Add(time.Hour)))

	ids, err := s.PromoteScheduledRequests(ctx, now)
	require.NoError(t, err)
	require.Empty(t, ids)

	n, err := s.ScheduledLen(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestCancelRemovesFromPriorityNotProcessing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Enqueue(ctx, sampleRequest("r1", 50)))

	ok, err := s.Cancel(ctx, "r1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = s.Dequeue(ctx, time.Now())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCancelOnProcessingRequestIsNoOp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Enqueue(ctx, sampleRequest("r1", 50)))
	_, _, err := s.Dequeue(ctx, time.Now())
	require.NoError(t, err)

	ok, err := s.Cancel(ctx, "r1")
	require.NoError(t, err)
	require.False(t, ok)

	n, err := s.ProcessingLen(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestScheduleRetryMovesProcessingToScheduled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Enqueue(ctx, sampleRequest("r1", 50)))
	_, _, err := s.Dequeue(ctx, time.Now())
	require.NoError(t, err)

	require.NoError(t, s.ScheduleRetry(ctx, "r1", time.Now().Add(time.Minute)))

	n, err := s.ProcessingLen(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
	n, err = s.ScheduledLen(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestMoveToDeadRemovesFromProcessing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Enqueue(ctx, sampleRequest("r1", 50)))
	_, _, err := s.Dequeue(ctx, time.Now())
	require.NoError(t, err)

	require.NoError(t, s.MoveToDead(ctx, "r1", time.Now()))

	n, err := s.DeadLen(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestReclaimOrphansMovesStaleProcessingEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	stale := time.Now().Add(-time.Hour)
	require.NoError(t, s.Enqueue(ctx, sampleRequest("r1", 50)))
	_, _, err := s.Dequeue(ctx, stale)
	require.NoError(t, err)

	ids, err := s.ReclaimOrphans(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Equal(t, []string{"r1"}, ids)

	n, err := s.ProcessingLen(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func TestAcquireReleaseLockRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	token, ok, err := s.AcquireLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)

	_, ok, err = s.AcquireLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "second acquire must fail while held")

	require.NoError(t, s.ReleaseLock(ctx, "sweep", token))

	_, ok, err = s.AcquireLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "acquire must succeed after release")
}

func TestReleaseLockWithWrongTokenIsNoOp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, ok, err := s.AcquireLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.ReleaseLock(ctx, "sweep", "wrong-token"))

	_, ok, err = s.AcquireLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "lock must remain held")
}
