package engine

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/aneuhaus/http-queue-manager/internal/backpressure"
	"github.com/aneuhaus/http-queue-manager/internal/breaker"
	"github.com/aneuhaus/http-queue-manager/internal/config"
	"github.com/aneuhaus/http-queue-manager/internal/index"
	"github.com/aneuhaus/http-queue-manager/internal/queue"
	"github.com/aneuhaus/http-queue-manager/internal/ratelimit"
	"github.com/aneuhaus/http-queue-manager/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	durable := store.NewWithDB(sqlx.NewDb(db, "postgres"), nil)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	idx := index.New(client, "test:", nil)

	b := breaker.New(client, "test:", breaker.Config{FailureThreshold: 5, ResetTimeout: time.Minute, HalfOpenMaxReqs: 1, SuccessThreshold: 1}, nil)
	l := ratelimit.New(client, "test:", ratelimit.Config{RequestsPerSecond: 1000, BurstSize: 1000})
	bp := backpressure.New(backpressure.Config{MaxConcurrency: 100}, b, l)

	cfg := config.DefaultConfig()
	e := newForTest(cfg, durable, idx, bp, nil, 0)
	return e, mock
}

func TestEnqueueRejectsInvalidURL(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Enqueue(context.Background(), queue.EnqueueInput{URL: ""})
	require.Error(t, err)
}

func TestEnqueueWritesDurableThenIndex(t *testing.T) {
	e, mock := newTestEngine(t)
	mock.ExpectExec("INSERT INTO requests").WillReturnResult(sqlmock.NewResult(1, 1))

	id, err := e.Enqueue(context.Background(), queue.EnqueueInput{URL: "https://example.com/hook", Method: "POST"})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NoError(t, mock.ExpectationsWereMet())

	n, err := e.idx.PriorityLen(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestEnqueueRejectsWhenShuttingDown(t *testing.T) {
	e, mock := newTestEngine(t)
	mock.ExpectClose()
	require.NoError(t, e.Shutdown(context.Background()))

	_, err := e.Enqueue(context.Background(), queue.EnqueueInput{URL: "https://example.com"})
	require.Error(t, err)
}

func TestCancelReturnsFalseWhenNothingRemoved(t *testing.T) {
	e, _ := newTestEngine(t)
	ok, err := e.Cancel(context.Background(), "nonexistent")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCancelTransitionsDurableOnSuccess(t *testing.T) {
	e, mock := newTestEngine(t)
	mock.ExpectExec("INSERT INTO requests").WillReturnResult(sqlmock.NewResult(1, 1))
	id, err := e.Enqueue(context.Background(), queue.EnqueueInput{URL: "https://example.com/hook"})
	require.NoError(t, err)

	mock.ExpectExec("UPDATE requests SET").WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := e.Cancel(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestShutdownIsIdempotent(t *testing.T) {
	e, mock := newTestEngine(t)
	mock.ExpectClose()
	require.NoError(t, e.Shutdown(context.Background()))
	require.NoError(t, e.Shutdown(context.Background()))
}

func TestSubscribeDispatchesByKind(t *testing.T) {
	e, _ := newTestEngine(t)
	var gotComplete, gotRetry int
	e.OnComplete(func(queue.Event) { gotComplete++ })
	e.OnRetry(func(queue.Event) { gotRetry++ })

	e.dispatch(queue.Event{Kind: queue.EventComplete, RequestID: "a"})
	e.dispatch(queue.Event{Kind: queue.EventComplete, RequestID: "b"})
	e.dispatch(queue.Event{Kind: queue.EventRetry, RequestID: "c"})

	require.Equal(t, 2, gotComplete)
	require.Equal(t, 1, gotRetry)
}

func TestSubscriberPanicDoesNotBreakDispatch(t *testing.T) {
	e, _ := newTestEngine(t)
	var called bool
	e.OnComplete(func(queue.Event) { panic("boom") })
	e.OnComplete(func(queue.Event) { called = true })

	require.NotPanics(t, func() {
		e.dispatch(queue.Event{Kind: queue.EventComplete})
	})
	require.True(t, called)
}

func TestGetBackpressureStateReflectsConfig(t *testing.T) {
	e, _ := newTestEngine(t)
	st := e.GetBackpressureState()
	require.Equal(t, 100, st.MaxConcurrency)
	require.Equal(t, 0, st.TotalActive)
}
