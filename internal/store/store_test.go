package store

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/aneuhaus/http-queue-manager/internal/logging"
	"github.com/aneuhaus/http-queue-manager/internal/queue"
	"github.com/aneuhaus/http-queue-manager/internal/queueerr"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &Store{db: sqlx.NewDb(db, "postgres"), logger: logging.NoOpLogger{}}, mock
}

func sampleRequest() (queue.Request, queue.RequestState) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	r := queue.Request{
		ID: "req-1", URL: "https://example.com/hook", Method: "POST",
		Priority: 50, MaxRetries: 3, TimeoutMs: 30000, CreatedAt: now,
	}
	st := queue.RequestState{RequestID: "req-1", Status: queue.StatusPending, UpdatedAt: now}
	return r, st
}

func TestSaveRequestSuccess(t *testing.T) {
	s, mock := newMockStore(t)
	r, st := sampleRequest()

	mock.ExpectExec("INSERT INTO requests").WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.SaveRequest(context.Background(), r, st)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRequestConflict(t *testing.T) {
	s, mock := newMockStore(t)
	r, st := sampleRequest()

	mock.ExpectExec("INSERT INTO requests").
		WillReturnError(&pqDuplicateError{})

	err := s.SaveRequest(context.Background(), r, st)
	require.Error(t, err)
	require.True(t, queueerr.IsTerminalError(err) || isConflict(err))
}

func isConflict(err error) bool {
	qe, ok := err.(*queueerr.QueueError)
	return ok && qe.Kind == queueerr.KindConflict
}

type pqDuplicateError struct{}

func (e *pqDuplicateError) Error() string {
	return `pq: duplicate key value violates unique constraint "requests_pkey"`
}

func TestGetRequestNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT \\* FROM requests WHERE id = \\$1").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(nil))

	_, err := s.GetRequest(context.Background(), "missing")
	require.Error(t, err)
	require.True(t, queueerr.IsNotFound(err))
}

func TestUpdateRequestStatusBuildsPatchedQuery(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE requests SET").WillReturnResult(sqlmock.NewResult(0, 1))

	attempts := 2
	errMsg := "boom"
	ok, err := s.UpdateRequestStatus(context.Background(), "req-1", queue.StatusFailed, queue.StatusPatch{
		Attempts: &attempts,
		Error:    &errMsg,
	}, false)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRequestStatusConditionalNoRowsAffected(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE requests SET").WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.UpdateRequestStatus(context.Background(), "req-1", queue.StatusCompleted, queue.StatusPatch{}, true)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUpdateRequestStatusResetAttemptsBypassesGreatestGuard(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE requests SET status = \\$1, attempts = 0,").WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.UpdateRequestStatus(context.Background(), "req-1", queue.StatusPending, queue.StatusPatch{
		ResetAttempts: true, ClearError: true, ClearNextRetry: true,
	}, false)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLogAttempt(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO request_attempts").WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.LogAttempt(context.Background(), queue.Attempt{
		RequestID: "req-1", AttemptNumber: 1, StatusCode: 200, DurationMs: 42, CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetStatsComputesSuccessRate(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT(.|\\n)*FROM requests").
		WillReturnRows(sqlmock.NewRows([]string{"pending", "scheduled", "processing", "completed", "failed", "dead"}).
			AddRow(1, 2, 3, 6, 2, 2))
	mock.ExpectQuery("SELECT AVG\\(duration_ms\\) FROM request_attempts").
		WillReturnRows(sqlmock.NewRows([]string{"avg"}).AddRow(125.5))

	stats, err := s.GetStats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, stats.Pending)
	require.Equal(t, 3, stats.Processing)
	require.InDelta(t, 0.6, stats.SuccessRate, 0.001)
	require.InDelta(t, 125.5, stats.AvgProcessingTime, 0.001)
}

func TestCleanupCompletedReportsRemovedCount(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM requests WHERE status = \\$1").
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := s.CleanupCompleted(context.Background(), 30*24*time.Hour, time.Now())
	require.NoError(t, err)
	require.Equal(t, int64(4), n)
}
