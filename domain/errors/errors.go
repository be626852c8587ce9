// Package errors provides the typed failures surfaced by the bridge.
// All error types support unwrapping via errors.As() and errors.Is().
package errors

import (
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/reglet-dev/bridge/domain/entities"
)

// ErrorDetail is an alias to entities.ErrorDetail for convenience.
type ErrorDetail = entities.ErrorDetail

// DetailedError is implemented by errors that can describe themselves as a
// wire ErrorDetail.
type DetailedError interface {
	error
	ToErrorDetail() *entities.ErrorDetail
}

// ToErrorDetail converts a Go error to a structured ErrorDetail.
func ToErrorDetail(err error) *entities.ErrorDetail {
	if err == nil {
		return nil
	}

	var e *entities.ErrorDetail
	if stdErrors.As(err, &e) {
		return e
	}

	var de DetailedError
	if stdErrors.As(err, &de) {
		return de.ToErrorDetail()
	}

	return &entities.ErrorDetail{
		Message: err.Error(),
		Type:    entities.ErrorTypeInternal,
	}
}

// FromErrorDetail maps an ErrorDetail received in an error frame back to the
// most specific typed error.
func FromErrorDetail(operation string, d *entities.ErrorDetail) error {
	if d == nil {
		return &RemoteError{Operation: operation, Detail: &entities.ErrorDetail{Type: entities.ErrorTypeRemote, Message: "unspecified remote error"}}
	}
	if d.Operation != "" {
		operation = d.Operation
	}
	switch d.Type {
	case entities.ErrorTypeNotFound:
		return &UnknownOperationError{Operation: operation}
	case entities.ErrorTypeRateLimit:
		rle := &RateLimitError{Operation: operation}
		if at, ok := d.Details["retry_at"].(string); ok {
			rle.RetryAt, _ = time.Parse(time.RFC3339Nano, at)
		}
		return rle
	default:
		return &RemoteError{Operation: operation, Detail: d}
	}
}

// TimeoutError reports that no response arrived within the deadline. The
// registry entry has already been cleaned up when this is returned.
type TimeoutError struct {
	Operation     string
	CorrelationID string
	Duration      time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("%s timeout after %v (correlation id: %s)", e.Operation, e.Duration, e.CorrelationID)
	}
	return fmt.Sprintf("timeout after %v (correlation id: %s)", e.Duration, e.CorrelationID)
}

// Timeout marks the error as a timeout for net.Error style checks.
func (e *TimeoutError) Timeout() bool {
	return true
}

// ToErrorDetail implements DetailedError.
func (e *TimeoutError) ToErrorDetail() *entities.ErrorDetail {
	return &entities.ErrorDetail{Message: e.Error(), Type: entities.ErrorTypeTimeout, Operation: e.Operation}
}

// ErrCancelled is matched by every CancelledError via errors.Is.
var ErrCancelled = stdErrors.New("exchange cancelled")

// CancelledError reports an exchange torn down before it completed.
type CancelledError struct {
	Cause         error
	CorrelationID string
}

func (e *CancelledError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("exchange %s cancelled: %v", e.CorrelationID, e.Cause)
	}
	return fmt.Sprintf("exchange %s cancelled", e.CorrelationID)
}

func (e *CancelledError) Unwrap() error {
	return e.Cause
}

// Is reports ErrCancelled equality.
func (e *CancelledError) Is(target error) bool {
	return target == ErrCancelled
}

// ToErrorDetail implements DetailedError.
func (e *CancelledError) ToErrorDetail() *entities.ErrorDetail {
	return &entities.ErrorDetail{Message: e.Error(), Type: entities.ErrorTypeCancelled}
}

// ErrNotReady is matched by every NotReadyError via errors.Is.
var ErrNotReady = stdErrors.New("handshake not received")

// NotReadyError reports a send attempted before the host handshake.
type NotReadyError struct {
	Operation string
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("cannot send %q: %v", e.Operation, ErrNotReady)
}

// Is reports ErrNotReady equality.
func (e *NotReadyError) Is(target error) bool {
	return target == ErrNotReady
}

// ToErrorDetail implements DetailedError.
func (e *NotReadyError) ToErrorDetail() *entities.ErrorDetail {
	return &entities.ErrorDetail{Message: e.Error(), Type: entities.ErrorTypeNotReady, Operation: e.Operation}
}

// MalformedEnvelopeError describes traffic that is not a well-formed envelope.
// It is only ever logged; receivers drop such messages.
type MalformedEnvelopeError struct {
	Err    error
	Source string
}

func (e *MalformedEnvelopeError) Error() string {
	return fmt.Sprintf("malformed envelope from %s: %v", e.Source, e.Err)
}

func (e *MalformedEnvelopeError) Unwrap() error {
	return e.Err
}

// ToErrorDetail implements DetailedError.
func (e *MalformedEnvelopeError) ToErrorDetail() *entities.ErrorDetail {
	return &entities.ErrorDetail{Message: e.Error(), Type: entities.ErrorTypeValidation}
}

// UnknownOperationError reports a request for an operation the host does not serve.
type UnknownOperationError struct {
	Operation string
}

func (e *UnknownOperationError) Error() string {
	return fmt.Sprintf("unknown operation: %s", e.Operation)
}

// ToErrorDetail implements DetailedError.
func (e *UnknownOperationError) ToErrorDetail() *entities.ErrorDetail {
	return &entities.ErrorDetail{
		Message:   e.Error(),
		Type:      entities.ErrorTypeNotFound,
		Code:      "NOT_FOUND",
		Operation: e.Operation,
	}
}

// RateLimitError reports a request refused because the guest exceeded its rate.
type RateLimitError struct {
	Operation string
	RetryAt   time.Time
}

func (e *RateLimitError) Error() string {
	if !e.RetryAt.IsZero() {
		return fmt.Sprintf("rate limit exceeded for %s, retry at %s", e.Operation, e.RetryAt.Format(time.RFC3339Nano))
	}
	return fmt.Sprintf("rate limit exceeded for %s", e.Operation)
}

// ToErrorDetail implements DetailedError.
func (e *RateLimitError) ToErrorDetail() *entities.ErrorDetail {
	d := &entities.ErrorDetail{
		Message:   e.Error(),
		Type:      entities.ErrorTypeRateLimit,
		Code:      "RATE_LIMITED",
		Operation: e.Operation,
	}
	if !e.RetryAt.IsZero() {
		d.Details = map[string]any{"retry_at": e.RetryAt.Format(time.RFC3339Nano)}
	}
	return d
}

// RemoteError carries an error frame produced by the remote side, either a
// failed one-shot handler or a terminated stream.
type RemoteError struct {
	Detail    *entities.ErrorDetail
	Operation string
}

func (e *RemoteError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("remote %s failed: %v", e.Operation, e.Detail)
	}
	return fmt.Sprintf("remote failure: %v", e.Detail)
}

func (e *RemoteError) Unwrap() error {
	if e.Detail == nil {
		return nil
	}
	return e.Detail
}

// ToErrorDetail implements DetailedError.
func (e *RemoteError) ToErrorDetail() *entities.ErrorDetail {
	return e.Detail
}
