package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/reglet-dev/bridge/domain/entities"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeoutError(t *testing.T) {
	err := &TimeoutError{
		Operation:     "slow",
		CorrelationID: "abc",
		Duration:      50 * time.Millisecond,
	}

	assert.Equal(t, "slow timeout after 50ms (correlation id: abc)", err.Error())
	assert.True(t, err.Timeout())

	var timeoutErr *TimeoutError
	require.True(t, errors.As(fmt.Errorf("wrapped: %w", err), &timeoutErr))
	assert.Equal(t, 50*time.Millisecond, timeoutErr.Duration)

	detail := err.ToErrorDetail()
	assert.Equal(t, entities.ErrorTypeTimeout, detail.Type)
	assert.Equal(t, "slow", detail.Operation)
}

func TestTimeoutError_NoOperation(t *testing.T) {
	err := &TimeoutError{CorrelationID: "abc", Duration: time.Second}
	assert.Equal(t, "timeout after 1s (correlation id: abc)", err.Error())
}

func TestCancelledError(t *testing.T) {
	cause := errors.New("context canceled")
	err := &CancelledError{CorrelationID: "abc", Cause: cause}

	assert.Equal(t, "exchange abc cancelled: context canceled", err.Error())
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, cause)

	plain := &CancelledError{CorrelationID: "abc"}
	assert.Equal(t, "exchange abc cancelled", plain.Error())
	assert.ErrorIs(t, plain, ErrCancelled)
}

func TestNotReadyError(t *testing.T) {
	err := &NotReadyError{Operation: "fetch-message"}

	assert.Equal(t, `cannot send "fetch-message": handshake not received`, err.Error())
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, entities.ErrorTypeNotReady, err.ToErrorDetail().Type)
}

func TestMalformedEnvelopeError(t *testing.T) {
	base := errors.New("unexpected end of JSON input")
	err := &MalformedEnvelopeError{Source: "guest-1", Err: base}

	assert.Equal(t, "malformed envelope from guest-1: unexpected end of JSON input", err.Error())
	assert.ErrorIs(t, err, base)
}

func TestUnknownOperationError(t *testing.T) {
	err := &UnknownOperationError{Operation: "nope"}

	assert.Equal(t, "unknown operation: nope", err.Error())
	detail := err.ToErrorDetail()
	assert.Equal(t, "NOT_FOUND", detail.Code)
	assert.Equal(t, entities.ErrorTypeNotFound, detail.Type)
}

func TestRateLimitError(t *testing.T) {
	retry := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	err := &RateLimitError{Operation: "echo", RetryAt: retry}

	assert.Contains(t, err.Error(), "rate limit exceeded for echo")
	detail := err.ToErrorDetail()
	assert.Equal(t, "RATE_LIMITED", detail.Code)
	assert.Equal(t, retry.Format(time.RFC3339Nano), detail.Details["retry_at"])
}

func TestRemoteError(t *testing.T) {
	detail := entities.NewErrorDetail(entities.ErrorTypeRemote, "feed unavailable")
	err := &RemoteError{Operation: "example-websocket", Detail: detail}

	assert.Equal(t, "remote example-websocket failed: remote: feed unavailable", err.Error())

	var d *entities.ErrorDetail
	require.True(t, errors.As(err, &d))
	assert.Same(t, detail, d)
}

func TestToErrorDetail(t *testing.T) {
	assert.Nil(t, ToErrorDetail(nil))

	generic := ToErrorDetail(errors.New("boom"))
	assert.Equal(t, entities.ErrorTypeInternal, generic.Type)
	assert.Equal(t, "boom", generic.Message)

	typed := ToErrorDetail(fmt.Errorf("wrap: %w", &UnknownOperationError{Operation: "x"}))
	assert.Equal(t, entities.ErrorTypeNotFound, typed.Type)
}

func TestFromErrorDetail(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		err := FromErrorDetail("x", (&UnknownOperationError{Operation: "x"}).ToErrorDetail())
		var target *UnknownOperationError
		require.ErrorAs(t, err, &target)
		assert.Equal(t, "x", target.Operation)
	})

	t.Run("rate limited", func(t *testing.T) {
		err := FromErrorDetail("x", (&RateLimitError{Operation: "x"}).ToErrorDetail())
		var target *RateLimitError
		require.ErrorAs(t, err, &target)
	})

	t.Run("remote", func(t *testing.T) {
		err := FromErrorDetail("x", entities.NewErrorDetail(entities.ErrorTypeInternal, "boom"))
		var target *RemoteError
		require.ErrorAs(t, err, &target)
		assert.Equal(t, "boom", target.Detail.Message)
	})

	t.Run("nil detail", func(t *testing.T) {
		err := FromErrorDetail("x", nil)
		var target *RemoteError
		require.ErrorAs(t, err, &target)
	})
}
