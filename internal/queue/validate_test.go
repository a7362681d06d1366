package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fixedNow() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

func TestToRequestDefaultsUnsetFields(t *testing.T) {
	req, err := EnqueueInput{URL: "https://example.com/hook"}.ToRequest(fixedNow)
	require.NoError(t, err)
	require.Equal(t, "GET", req.Method)
	require.Equal(t, DefaultPriority, req.Priority)
	require.Equal(t, DefaultMaxRetries, req.MaxRetries)
	require.Equal(t, DefaultTimeoutMs, req.TimeoutMs)
	require.NotEmpty(t, req.ID)
	require.Equal(t, fixedNow(), req.CreatedAt)
}

func TestToRequestKeepsCallerSuppliedID(t *testing.T) {
	req, err := EnqueueInput{ID: "explicit-id", URL: "https://example.com"}.ToRequest(fixedNow)
	require.NoError(t, err)
	require.Equal(t, "explicit-id", req.ID)
}

func TestToRequestRejectsEmptyURL(t *testing.T) {
	_, err := EnqueueInput{URL: ""}.ToRequest(fixedNow)
	require.Error(t, err)
}

func TestToRequestRejectsMalformedURL(t *testing.T) {
	_, err := EnqueueInput{URL: "not-a-url"}.ToRequest(fixedNow)
	require.Error(t, err)
}

func TestToRequestRejectsUnknownMethod(t *testing.T) {
	_, err := EnqueueInput{URL: "https://example.com", Method: "TRACE"}.ToRequest(fixedNow)
	require.Error(t, err)
}

func TestToRequestUppercasesMethod(t *testing.T) {
	req, err := EnqueueInput{URL: "https://example.com", Method: "post"}.ToRequest(fixedNow)
	require.NoError(t, err)
	require.Equal(t, "POST", req.Method)
}

func TestToRequestRejectsOutOfRangePriority(t *testing.T) {
	bad := 101
	_, err := EnqueueInput{URL: "https://example.com", Priority: &bad}.ToRequest(fixedNow)
	require.Error(t, err)
}

func TestToRequestRejectsNegativeMaxRetries(t *testing.T) {
	bad := -1
	_, err := EnqueueInput{URL: "https://example.com", MaxRetries: &bad}.ToRequest(fixedNow)
	require.Error(t, err)
}

func TestToRequestRejectsNegativeTimeout(t *testing.T) {
	bad := -1
	_, err := EnqueueInput{URL: "https://example.com", TimeoutMs: &bad}.ToRequest(fixedNow)
	require.Error(t, err)
}

func TestHostOfExtractsHostAndPort(t *testing.T) {
	require.Equal(t, "example.com:8443", HostOf("https://example.com:8443/path?x=1"))
	require.Equal(t, "", HostOf("://bad-url"))
}
