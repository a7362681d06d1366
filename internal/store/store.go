// Package store implements the Durable Store over Postgres, following the
// CRUD/Conflict/NotFound shape of this codebase's orchestration task store
// (Create -> Conflict on existing id, Get -> NotFound, Update -> existence
// check, Cancel -> terminal-state guard, ListByStatus -> paginated scan),
// re-expressed over SQL via sqlx/lib/pq since the durable record needs real
// indexes, transactions and an updated_at trigger rather than Redis hashes.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/aneuhaus/http-queue-manager/internal/logging"
	"github.com/aneuhaus/http-queue-manager/internal/queue"
	"github.com/aneuhaus/http-queue-manager/internal/queueerr"
)

// Store is the Postgres-backed Durable Store.
type Store struct {
	db     *sqlx.DB
	logger logging.Logger
}

// Open connects to the Postgres DSN, configures the pool and applies
// pending migrations via goose before returning.
func Open(ctx context.Context, dsn string, maxOpenConns, maxIdleConns int, connMaxLifetime time.Duration, logger logging.Logger) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, queueerr.Wrap("openStore", queueerr.KindStorage, "", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	goose.SetBaseFS(migrationFiles)
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, queueerr.Wrap("openStore", queueerr.KindStorage, "", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return nil, queueerr.Wrap("migrate", queueerr.KindStorage, "", err)
	}

	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if cal, ok := logger.(logging.ComponentAwareLogger); ok {
		logger = cal.WithComponent("queue/store")
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// NewWithDB wraps an already-connected sqlx.DB as a Store, skipping Open's
// dial-and-migrate step. Used by other packages' tests to run the Durable
// Store against a sqlmock connection.
func NewWithDB(db *sqlx.DB, logger logging.Logger) *Store {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Store{db: db, logger: logger}
}

type requestRow struct {
	ID            string          `db:"id"`
	URL           string          `db:"url"`
	Method        string          `db:"method"`
	Headers       json.RawMessage `db:"headers"`
	Body          []byte          `db:"body"`
	Priority      int             `db:"priority"`
	MaxRetries    int             `db:"max_retries"`
	TimeoutMs     int             `db:"timeout_ms"`
	ScheduledFor  sql.NullTime    `db:"scheduled_for"`
	Metadata      json.RawMessage `db:"metadata"`
	CreatedAt     time.Time       `db:"created_at"`
	Status        string          `db:"status"`
	Attempts      int             `db:"attempts"`
	LastAttemptAt sql.NullTime    `db:"last_attempt_at"`
	NextRetryAt   sql.NullTime    `db:"next_retry_at"`
	CompletedAt   sql.NullTime    `db:"completed_at"`
	Error         sql.NullString  `db:"error"`
	Response      json.RawMessage `db:"response"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

func toRow(r queue.Request, st queue.RequestState) (requestRow, error) {
	headers, err := json.Marshal(r.Headers)
	if err != nil {
		return requestRow{}, err
	}
	metadata, err := json.Marshal(r.Metadata)
	if err != nil {
		return requestRow{}, err
	}
	var response json.RawMessage
	if st.Response != nil {
		response, err = json.Marshal(st.Response)
		if err != nil {
			return requestRow{}, err
		}
	}
	row := requestRow{
		ID:         r.ID,
		URL:        r.URL,
		Method:     r.Method,
		Headers:    headers,
		Body:       r.Body,
		Priority:   r.Priority,
		MaxRetries: r.MaxRetries,
		TimeoutMs:  r.TimeoutMs,
		Metadata:   metadata,
		CreatedAt:  r.CreatedAt,
		Status:     string(st.Status),
		Attempts:   st.Attempts,
		Error:      nullString(st.Error),
		Response:   response,
		UpdatedAt:  st.UpdatedAt,
	}
	if r.ScheduledFor != nil {
		row.ScheduledFor = sql.NullTime{Time: *r.ScheduledFor, Valid: true}
	}
	if st.LastAttemptAt != nil {
		row.LastAttemptAt = sql.NullTime{Time: *st.LastAttemptAt, Valid: true}
	}
	if st.NextRetryAt != nil {
		row.NextRetryAt = sql.NullTime{Time: *st.NextRetryAt, Valid: true}
	}
	if st.CompletedAt != nil {
		row.CompletedAt = sql.NullTime{Time: *st.CompletedAt, Valid: true}
	}
	return row, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func fromRow(row requestRow) (queue.StoredRequest, error) {
	var headers map[string]string
	if len(row.Headers) > 0 {
		if err := json.Unmarshal(row.Headers, &headers); err != nil {
			return queue.StoredRequest{}, err
		}
	}
	var metadata map[string]string
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &metadata); err != nil {
			return queue.StoredRequest{}, err
		}
	}
	var response *queue.ResponseSummary
	if len(row.Response) > 0 {
		response = &queue.ResponseSummary{}
		if err := json.Unmarshal(row.Response, response); err != nil {
			return queue.StoredRequest{}, err
		}
	}

	sr := queue.StoredRequest{
		Request: queue.Request{
			ID: row.ID, URL: row.URL, Method: row.Method, Headers: headers,
			Body: row.Body, Priority: row.Priority, MaxRetries: row.MaxRetries,
			TimeoutMs: row.TimeoutMs, Metadata: metadata, CreatedAt: row.CreatedAt,
		},
		State: queue.RequestState{
			RequestID: row.ID, Status: queue.Status(row.Status), Attempts: row.Attempts,
			Error: row.Error.String, Response: response, UpdatedAt: row.UpdatedAt,
		},
	}
	if row.ScheduledFor.Valid {
		t := row.ScheduledFor.Time
		sr.ScheduledFor = &t
	}
	if row.LastAttemptAt.Valid {
		t := row.LastAttemptAt.Time
		sr.State.LastAttemptAt = &t
	}
	if row.NextRetryAt.Valid {
		t := row.NextRetryAt.Time
		sr.State.NextRetryAt = &t
	}
	if row.CompletedAt.Valid {
		t := row.CompletedAt.Time
		sr.State.CompletedAt = &t
	}
	return sr, nil
}

const insertSQL = `
INSERT INTO requests (
	id, url, method, headers, body, priority, max_retries, timeout_ms,
	scheduled_for, metadata, created_at, status, attempts, last_attempt_at,
	next_retry_at, completed_at, error, response, updated_at
) VALUES (
	:id, :url, :method, :headers, :body, :priority, :max_retries, :timeout_ms,
	:scheduled_for, :metadata, :created_at, :status, :attempts, :last_attempt_at,
	:next_retry_at, :completed_at, :error, :response, :updated_at
)`

// SaveRequest inserts a new Request+RequestState pair. A duplicate id fails
// with a Conflict error.
func (s *Store) SaveRequest(ctx context.Context, r queue.Request, st queue.RequestState) error {
	row, err := toRow(r, st)
	if err != nil {
		return queueerr.Wrap("saveRequest", queueerr.KindStorage, r.ID, err)
	}
	_, err = s.db.NamedExecContext(ctx, insertSQL, row)
	if isUniqueViolation(err) {
		return queueerr.New("saveRequest", queueerr.KindConflict, r.ID, err)
	}
	if err != nil {
		return queueerr.Wrap("saveRequest", queueerr.KindStorage, r.ID, err)
	}
	return nil
}

// SaveRequestBatch inserts many Request+RequestState pairs in one
// transaction. Any duplicate id fails the whole batch with a Conflict.
func (s *Store) SaveRequestBatch(ctx context.Context, items []queue.StoredRequest) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, item := range items {
			row, err := toRow(item.Request, item.State)
			if err != nil {
				return queueerr.Wrap("saveRequestBatch", queueerr.KindStorage, item.ID, err)
			}
			if _, err := tx.NamedExecContext(ctx, insertSQL, row); err != nil {
				if isUniqueViolation(err) {
					return queueerr.New("saveRequestBatch", queueerr.KindConflict, item.ID, err)
				}
				return queueerr.Wrap("saveRequestBatch", queueerr.KindStorage, item.ID, err)
			}
		}
		return nil
	})
}

// GetRequest loads a StoredRequest by id, returning a NotFound error when
// absent.
func (s *Store) GetRequest(ctx context.Context, id string) (queue.StoredRequest, error) {
	var row requestRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM requests WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return queue.StoredRequest{}, queueerr.New("getRequest", queueerr.KindNotFound, id, err)
	}
	if err != nil {
		return queue.StoredRequest{}, queueerr.Wrap("getRequest", queueerr.KindStorage, id, err)
	}
	sr, err := fromRow(row)
	if err != nil {
		return queue.StoredRequest{}, queueerr.Wrap("getRequest", queueerr.KindStorage, id, err)
	}
	return sr, nil
}

// UpdateRequestStatus applies patch as a partial, atomic update, always
// refreshing updated_at. requireNonTerminal, when true, conditions the
// update on the row's current status not already being terminal (used by
// handleSuccess's late-success-after-cancel guard); the call reports
// whether a row was actually updated.
func (s *Store) UpdateRequestStatus(ctx context.Context, id string, status queue.Status, patch queue.StatusPatch, requireNonTerminal bool) (bool, error) {
	sets := []string{"status = :status"}
	args := map[string]interface{}{"id": id, "status": string(status)}

	if patch.ResetAttempts {
		sets = append(sets, "attempts = 0")
	} else if patch.Attempts != nil {
		sets = append(sets, "attempts = GREATEST(attempts, :attempts)")
		args["attempts"] = *patch.Attempts
	}
	if patch.LastAttemptAt != nil {
		sets = append(sets, "last_attempt_at = :last_attempt_at")
		args["last_attempt_at"] = *patch.LastAttemptAt
	}
	if patch.NextRetryAt != nil {
		sets = append(sets, "next_retry_at = :next_retry_at")
		args["next_retry_at"] = *patch.NextRetryAt
	} else if patch.ClearNextRetry {
		sets = append(sets, "next_retry_at = NULL")
	}
	if patch.CompletedAt != nil {
		sets = append(sets, "completed_at = :completed_at")
		args["completed_at"] = *patch.CompletedAt
	}
	if patch.Error != nil {
		sets = append(sets, "error = :error")
		args["error"] = *patch.Error
	} else if patch.ClearError {
		sets = append(sets, "error = NULL")
	}
	if patch.Response != nil {
		b, err := json.Marshal(patch.Response)
		if err != nil {
			return false, queueerr.Wrap("updateRequestStatus", queueerr.KindStorage, id, err)
		}
		sets = append(sets, "response = :response")
		args["response"] = b
	} else if patch.ClearResponse {
		sets = append(sets, "response = NULL")
	}

	query := fmt.Sprintf(`UPDATE requests SET %s WHERE id = :id`, strings.Join(sets, ", "))
	if requireNonTerminal {
		query += ` AND status NOT IN ('cancelled', 'completed', 'dead')`
	}

	res, err := s.db.NamedExecContext(ctx, query, args)
	if err != nil {
		return false, queueerr.Wrap("updateRequestStatus", queueerr.KindStorage, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, queueerr.Wrap("updateRequestStatus", queueerr.KindStorage, id, err)
	}
	return n > 0, nil
}

// LogAttempt appends a new attempt record. Append-only: never updated or
// deleted outside of cleanup.
func (s *Store) LogAttempt(ctx context.Context, a queue.Attempt) error {
	headers, err := json.Marshal(a.ResponseHeaders)
	if err != nil {
		return queueerr.Wrap("logAttempt", queueerr.KindStorage, a.RequestID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO request_attempts (request_id, attempt_number, status_code, duration_ms, error, response_headers, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.RequestID, a.AttemptNumber, nullZeroInt(a.StatusCode), a.DurationMs, nullString(a.Error), headers, a.CreatedAt,
	)
	if err != nil {
		return queueerr.Wrap("logAttempt", queueerr.KindStorage, a.RequestID, err)
	}
	return nil
}

func nullZeroInt(n int) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(n), Valid: true}
}

// GetRequestsByStatus lists requests, optionally filtered by status and a
// substring of the URL's host, ordered by createdAt desc with pagination.
func (s *Store) GetRequestsByStatus(ctx context.Context, status *queue.Status, hostSubstring string, limit, offset int) ([]queue.StoredRequest, error) {
	query := `SELECT * FROM requests WHERE 1=1`
	args := []interface{}{}
	if status != nil {
		args = append(args, string(*status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if hostSubstring != "" {
		args = append(args, "%"+hostSubstring+"%")
		query += fmt.Sprintf(" AND url LIKE $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	args = append(args, offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	var rows []requestRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, queueerr.Wrap("getRequestsByStatus", queueerr.KindStorage, "", err)
	}
	out := make([]queue.StoredRequest, 0, len(rows))
	for _, row := range rows {
		sr, err := fromRow(row)
		if err != nil {
			return nil, queueerr.Wrap("getRequestsByStatus", queueerr.KindStorage, row.ID, err)
		}
		out = append(out, sr)
	}
	return out, nil
}

// GetStats computes the engine-wide Stats snapshot.
func (s *Store) GetStats(ctx context.Context) (queue.Stats, error) {
	var counts struct {
		Pending    int `db:"pending"`
		Scheduled  int `db:"scheduled"`
		Processing int `db:"processing"`
		Completed  int `db:"completed"`
		Failed     int `db:"failed"`
		Dead       int `db:"dead"`
	}
	err := s.db.GetContext(ctx, &counts, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending') AS pending,
			COUNT(*) FILTER (WHERE status = 'scheduled') AS scheduled,
			COUNT(*) FILTER (WHERE status = 'processing') AS processing,
			COUNT(*) FILTER (WHERE status = 'completed') AS completed,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			COUNT(*) FILTER (WHERE status = 'dead') AS dead
		FROM requests`)
	if err != nil {
		return queue.Stats{}, queueerr.Wrap("getStats", queueerr.KindStorage, "", err)
	}

	var avgDuration sql.NullFloat64
	if err := s.db.GetContext(ctx, &avgDuration, `SELECT AVG(duration_ms) FROM request_attempts`); err != nil {
		return queue.Stats{}, queueerr.Wrap("getStats", queueerr.KindStorage, "", err)
	}

	stats := queue.Stats{
		Pending:           counts.Pending + counts.Scheduled,
		Processing:        counts.Processing,
		Completed:         counts.Completed,
		Failed:            counts.Failed,
		Dead:              counts.Dead,
		AvgProcessingTime: avgDuration.Float64,
	}
	denom := counts.Completed + counts.Failed + counts.Dead
	if denom > 0 {
		stats.SuccessRate = float64(counts.Completed) / float64(denom)
	}
	return stats, nil
}

// CleanupCompleted deletes completed requests older than the retention
// window, reporting how many rows were removed.
func (s *Store) CleanupCompleted(ctx context.Context, olderThan time.Duration, now time.Time) (int64, error) {
	return s.cleanup(ctx, "completed", olderThan, now)
}

// CleanupDead deletes dead-lettered requests older than the retention
// window, reporting how many rows were removed.
func (s *Store) CleanupDead(ctx context.Context, olderThan time.Duration, now time.Time) (int64, error) {
	return s.cleanup(ctx, "dead", olderThan, now)
}

func (s *Store) cleanup(ctx context.Context, status string, olderThan time.Duration, now time.Time) (int64, error) {
	cutoff := now.Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `DELETE FROM requests WHERE status = $1 AND updated_at < $2`, status, cutoff)
	if err != nil {
		return 0, queueerr.Wrap("cleanup", queueerr.KindStorage, "", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, queueerr.Wrap("cleanup", queueerr.KindStorage, "", err)
	}
	s.logger.Info("cleaned up rows", map[string]interface{}{"status": status, "count": n})
	return n, nil
}

// WithTransaction runs fn inside a serializable transaction, committing on
// a nil return and rolling back otherwise.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx *sqlx.Tx) error) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		return fn(ctx, tx)
	})
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return queueerr.Wrap("withTransaction", queueerr.KindStorage, "", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return queueerr.Wrap("withTransaction", queueerr.KindStorage, "", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "duplicate key value violates unique constraint") ||
		strings.Contains(err.Error(), "pq: duplicate key")
}
