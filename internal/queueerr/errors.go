// Package queueerr defines the engine's error taxonomy: a set of sentinel
// kinds, a structured wrapper carrying operation/request context, and
// classifier predicates used by the worker and engine to decide how an
// error should propagate.
package queueerr

import "errors"

// Sentinel errors, one per taxonomy kind. Compare against these with
// errors.Is; do not compare error strings.
var (
	ErrValidation   = errors.New("validation error")
	ErrConflict     = errors.New("request id already exists")
	ErrNotFound     = errors.New("request not found")
	ErrShuttingDown = errors.New("engine is shutting down")
	ErrStorage      = errors.New("durable store unavailable")
	ErrIndex        = errors.New("index store unavailable")
	ErrTransport    = errors.New("transport failure before response")
	ErrHTTPStatus   = errors.New("non-2xx response")
	ErrConfig       = errors.New("invalid configuration")
	ErrTimeout      = errors.New("deadline exceeded")
	ErrNotCancelable = errors.New("request is in a terminal state")
)

// Kind names the taxonomy entry a QueueError belongs to, independent of the
// specific sentinel it wraps, so callers can switch on it without needing
// a reference to the sentinel value.
type Kind string

const (
	KindValidation   Kind = "ValidationError"
	KindConflict     Kind = "Conflict"
	KindNotFound     Kind = "NotFound"
	KindShuttingDown Kind = "ShuttingDown"
	KindStorage      Kind = "StorageError"
	KindIndex        Kind = "IndexError"
	KindTransport    Kind = "TransportError"
	KindHTTPStatus   Kind = "HttpError"
	KindConfig       Kind = "ConfigError"
	KindTimeout      Kind = "Timeout"
)

// QueueError carries the operation that failed, its taxonomy kind, the
// affected request id (when applicable), a human-readable message and the
// underlying cause.
type QueueError struct {
	Op        string
	Kind      Kind
	RequestID string
	Message   string
	Err       error
}

func (e *QueueError) Error() string {
	if e.RequestID != "" {
		return e.Op + ": " + string(e.Kind) + " (request " + e.RequestID + "): " + e.Message
	}
	return e.Op + ": " + string(e.Kind) + ": " + e.Message
}

func (e *QueueError) Unwrap() error { return e.Err }

// Is reports whether target is the taxonomy sentinel for e.Kind, so
// errors.Is matches the sentinel even when Err does not wrap it.
func (e *QueueError) Is(target error) bool {
	s := sentinelFor(e.Kind)
	return s != nil && target == s
}

// New builds a QueueError whose Unwrap returns cause unchanged; it matches
// the sentinel for kind under errors.Is through QueueError.Is.
func New(op string, kind Kind, requestID string, cause error) *QueueError {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &QueueError{Op: op, Kind: kind, RequestID: requestID, Message: msg, Err: cause}
}

func sentinelFor(kind Kind) error {
	switch kind {
	case KindValidation:
		return ErrValidation
	case KindConflict:
		return ErrConflict
	case KindNotFound:
		return ErrNotFound
	case KindShuttingDown:
		return ErrShuttingDown
	case KindStorage:
		return ErrStorage
	case KindIndex:
		return ErrIndex
	case KindTransport:
		return ErrTransport
	case KindHTTPStatus:
		return ErrHTTPStatus
	case KindConfig:
		return ErrConfig
	case KindTimeout:
		return ErrTimeout
	default:
		return nil
	}
}

// Wrap builds a QueueError whose Unwrap chain reaches both cause and the
// taxonomy sentinel for kind, so errors.Is works against either.
func Wrap(op string, kind Kind, requestID string, cause error) *QueueError {
	sentinel := sentinelFor(kind)
	var err error
	if cause != nil && sentinel != nil {
		err = &joined{sentinel: sentinel, cause: cause}
	} else if sentinel != nil {
		err = sentinel
	} else {
		err = cause
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &QueueError{Op: op, Kind: kind, RequestID: requestID, Message: msg, Err: err}
}

type joined struct {
	sentinel error
	cause    error
}

func (j *joined) Error() string { return j.cause.Error() }
func (j *joined) Unwrap() []error {
	return []error{j.sentinel, j.cause}
}

// IsRetryable reports whether err represents a condition the worker should
// retry (engine-side faults, not request-side faults).
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorage) || errors.Is(err, ErrIndex) ||
		errors.Is(err, ErrTransport) || errors.Is(err, ErrTimeout)
}

// IsNotFound reports whether err is a NotFound taxonomy error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConfigurationError reports whether err is a ConfigError taxonomy error.
func IsConfigurationError(err error) bool { return errors.Is(err, ErrConfig) }

// IsTerminalError reports whether err indicates the request has already
// reached a terminal, non-retriable state.
func IsTerminalError(err error) bool {
	return errors.Is(err, ErrNotCancelable) || errors.Is(err, ErrConflict)
}
