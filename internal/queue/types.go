// Package queue defines the durable data model shared by every component of
// the request queue engine: the Request a caller submits, the RequestState
// tracking its lifecycle, and the append-only Attempt history of its
// executions.
package queue

import (
	"time"
)

// Status is a RequestState's lifecycle position.
type Status string

const (
	StatusPending    Status = "pending"
	StatusScheduled  Status = "scheduled"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDead       Status = "dead"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether status is a sink state that only an explicit
// operator command (retry-dead) can leave.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusDead, StatusCancelled:
		return true
	default:
		return false
	}
}

// Allowed HTTP methods, per the spec's validation rule.
var AllowedMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true,
	"DELETE": true, "HEAD": true, "OPTIONS": true,
}

const (
	DefaultPriority   = 50
	DefaultMaxRetries = 3
	DefaultTimeoutMs  = 30000
)

// Request is the durable, caller-submitted job description. It is
// immutable once admitted — the engine never rewrites these fields, only
// RequestState.
type Request struct {
	ID           string            `json:"id"`
	URL          string            `json:"url"`
	Method       string            `json:"method"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         []byte            `json:"body,omitempty"`
	Priority     int               `json:"priority"`
	MaxRetries   int               `json:"maxRetries"`
	TimeoutMs    int               `json:"timeout"`
	ScheduledFor *time.Time        `json:"scheduledFor,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// ResponseSummary is the compact record of a successful attempt's response,
// stored on RequestState once a request completes.
type ResponseSummary struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	DurationMs int64             `json:"durationMs"`
}

// RequestState is the mutable, durable lifecycle record for a Request.
// Exactly one exists per Request, created alongside it on enqueue.
type RequestState struct {
	RequestID     string           `json:"requestId"`
	Status        Status           `json:"status"`
	Attempts      int              `json:"attempts"`
	LastAttemptAt *time.Time       `json:"lastAttemptAt,omitempty"`
	NextRetryAt   *time.Time       `json:"nextRetryAt,omitempty"`
	CompletedAt   *time.Time       `json:"completedAt,omitempty"`
	Error         string           `json:"error,omitempty"`
	Response      *ResponseSummary `json:"response,omitempty"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// Attempt is one append-only execution record for a Request.
type Attempt struct {
	RequestID       string            `json:"requestId"`
	AttemptNumber   int               `json:"attemptNumber"`
	StatusCode      int               `json:"statusCode,omitempty"`
	DurationMs      int64             `json:"durationMs"`
	Error           string            `json:"error,omitempty"`
	ResponseHeaders map[string]string `json:"responseHeaders,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
}

// StoredRequest bundles a Request with its current RequestState, the shape
// returned by status/dead-letter queries.
type StoredRequest struct {
	Request
	State RequestState `json:"state"`
}

// StatusPatch is a partial update applied to a RequestState by
// updateRequestStatus. Nil fields are left untouched. Callers may never
// regress Attempts via Attempts alone; the store enforces this with a
// GREATEST guard. ResetAttempts bypasses that guard for retryDeadRequest,
// which explicitly restarts the attempt budget for a dead-lettered
// request's new life.
type StatusPatch struct {
	Attempts       *int
	ResetAttempts  bool
	LastAttemptAt  *time.Time
	NextRetryAt    *time.Time
	CompletedAt    *time.Time
	Error          *string
	Response       *ResponseSummary
	ClearError     bool
	ClearResponse  bool
	ClearNextRetry bool
}

// Stats is the engine-wide snapshot returned by getStats.
type Stats struct {
	Pending           int     `json:"pending"`
	Processing        int     `json:"processing"`
	Completed         int     `json:"completed"`
	Failed            int     `json:"failed"`
	Dead              int     `json:"dead"`
	AvgProcessingTime float64 `json:"avgProcessingTime"`
	SuccessRate       float64 `json:"successRate"`
}

// Clone returns a deep-enough copy of r suitable for safe concurrent reads
// (headers/metadata maps and body slice are copied).
func (r Request) Clone() Request {
	c := r
	if r.Headers != nil {
		c.Headers = make(map[string]string, len(r.Headers))
		for k, v := range r.Headers {
			c.Headers[k] = v
		}
	}
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	if r.ScheduledFor != nil {
		t := *r.ScheduledFor
		c.ScheduledFor = &t
	}
	return c
}

