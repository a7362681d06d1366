package queue

import (
	"net/url"
	"strings"
	"time"

	"github.com/aneuhaus/http-queue-manager/internal/queueerr"
	"github.com/google/uuid"
)

// EnqueueInput is the caller-facing payload for Engine.Enqueue; it becomes
// a Request once validated and defaulted.
type EnqueueInput struct {
	ID           string
	URL          string
	Method       string
	Headers      map[string]string
	Body         []byte
	Priority     *int
	MaxRetries   *int
	TimeoutMs    *int
	ScheduledFor *time.Time
	Metadata     map[string]string
}

// ToRequest validates in and converts it into a Request, defaulting unset
// fields per §3 of the spec. Host resolution happens here via net/url so a
// malformed URL is rejected before it ever reaches the stores. now is the
// engine's injected clock, used for CreatedAt.
func (in EnqueueInput) ToRequest(now func() time.Time) (Request, error) {
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}

	if in.URL == "" {
		return Request{}, queueerr.Wrap("validate", queueerr.KindValidation, id, errEmptyURL)
	}
	u, err := url.Parse(in.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Request{}, queueerr.Wrap("validate", queueerr.KindValidation, id, errMalformedURL)
	}

	method := strings.ToUpper(strings.TrimSpace(in.Method))
	if method == "" {
		method = "GET"
	}
	if !AllowedMethods[method] {
		return Request{}, queueerr.Wrap("validate", queueerr.KindValidation, id, errBadMethod)
	}

	priority := DefaultPriority
	if in.Priority != nil {
		priority = *in.Priority
	}
	if priority < 0 || priority > 100 {
		return Request{}, queueerr.Wrap("validate", queueerr.KindValidation, id, errBadPriority)
	}

	maxRetries := DefaultMaxRetries
	if in.MaxRetries != nil {
		maxRetries = *in.MaxRetries
	}
	if maxRetries < 0 {
		return Request{}, queueerr.Wrap("validate", queueerr.KindValidation, id, errBadMaxRetries)
	}

	timeoutMs := DefaultTimeoutMs
	if in.TimeoutMs != nil {
		timeoutMs = *in.TimeoutMs
	}
	if timeoutMs < 0 {
		return Request{}, queueerr.Wrap("validate", queueerr.KindValidation, id, errBadTimeout)
	}

	req := Request{
		ID:           id,
		URL:          in.URL,
		Method:       method,
		Headers:      in.Headers,
		Body:         in.Body,
		Priority:     priority,
		MaxRetries:   maxRetries,
		TimeoutMs:    timeoutMs,
		Metadata:     in.Metadata,
		CreatedAt:    now(),
		ScheduledFor: in.ScheduledFor,
	}
	return req, nil
}

// HostOf extracts the host[:port] component of a request URL for per-host
// concurrency, rate-limiting and circuit-breaking decisions.
func HostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}
