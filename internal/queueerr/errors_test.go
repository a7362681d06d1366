package queueerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapIsMatchesBothSentinelAndCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap("dequeue", KindIndex, "req-1", cause)

	require.True(t, errors.Is(err, ErrIndex))
	require.True(t, errors.Is(err, cause))
	require.False(t, errors.Is(err, ErrNotFound))
}

func TestWrapWithNilCauseStillCarriesSentinel(t *testing.T) {
	err := Wrap("getRequest", KindNotFound, "req-1", nil)
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestIsNotFoundOnlyMatchesNotFoundKind(t *testing.T) {
	require.True(t, IsNotFound(Wrap("get", KindNotFound, "", nil)))
	require.False(t, IsNotFound(Wrap("get", KindConflict, "", nil)))
}

func TestIsRetryableCoversEngineSideFaults(t *testing.T) {
	require.True(t, IsRetryable(Wrap("op", KindStorage, "", nil)))
	require.True(t, IsRetryable(Wrap("op", KindIndex, "", nil)))
	require.True(t, IsRetryable(Wrap("op", KindTransport, "", nil)))
	require.True(t, IsRetryable(Wrap("op", KindTimeout, "", nil)))
	require.False(t, IsRetryable(Wrap("op", KindValidation, "", nil)))
}

func TestErrorMessageIncludesRequestID(t *testing.T) {
	err := New("cancel", KindNotFound, "req-42", errors.New("missing"))
	require.Contains(t, err.Error(), "req-42")
	require.Contains(t, err.Error(), "NotFound")
}

func TestErrorMessageOmitsRequestIDWhenEmpty(t *testing.T) {
	err := New("enqueue", KindValidation, "", errors.New("bad url"))
	require.NotContains(t, err.Error(), "request")
}

func TestUnwrapReturnsUnderlyingCause(t *testing.T) {
	cause := errors.New("boom")
	err := New("op", KindStorage, "", cause)
	require.Equal(t, cause, err.Unwrap())
}
