package queue

import "time"

// EventKind names the four notifications the engine dispatches to
// subscribers. Replacing the reference's ad-hoc event-kind-to-callable
// map, subscribers receive one of these tagged variants explicitly rather
// than an untyped payload.
type EventKind string

const (
	EventComplete EventKind = "complete"
	EventError    EventKind = "error"
	EventRetry    EventKind = "retry"
	EventDead     EventKind = "dead"
)

// Event is the single type dispatched to every subscriber regardless of
// kind; callers switch on Kind to decide which fields are meaningful.
type Event struct {
	Kind      EventKind
	RequestID string

	// Populated for EventComplete.
	Response *ResponseSummary

	// Err is set for EventError and EventDead; WillRetry is true for
	// EventRetry and for an EventError that will be retried.
	Err         error
	WillRetry   bool
	NextRetryAt *time.Time // set for EventRetry
}

// Subscriber receives dispatched events. Implementations must not panic;
// the engine recovers and logs but does not propagate a subscriber's
// failure back to the worker pipeline.
type Subscriber func(Event)
