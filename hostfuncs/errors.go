package hostfuncs

import (
	"fmt"
	"time"

	"github.com/reglet-dev/bridge/domain/entities"
)

// Error codes carried by ErrorResponse.
const (
	CodeValidation  = "VALIDATION_ERROR"
	CodeNotFound    = "NOT_FOUND"
	CodeInternal    = "INTERNAL_ERROR"
	CodeRateLimited = "RATE_LIMITED"
	CodeUpstream    = "UPSTREAM_ERROR"
)

// ErrorResponse is a structured handler failure. The router turns it into the
// ErrorDetail of an error frame, so guests receive consistent, parseable errors.
type ErrorResponse struct {
	// Details contains additional error context.
	Details map[string]any `json:"details,omitempty"`

	// Kind is a machine-readable error identifier (e.g., "VALIDATION_ERROR").
	Kind string `json:"error"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Status is an HTTP-like status (e.g., 400, 500).
	Status int `json:"status"`
}

// Error implements the error interface.
func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ToErrorDetail converts the response into the wire error detail.
func (e *ErrorResponse) ToErrorDetail() *entities.ErrorDetail {
	detail := entities.NewErrorDetail(errorType(e.Kind), e.Message).WithCode(e.Kind)
	if len(e.Details) > 0 {
		detail = detail.WithDetails(e.Details)
	}
	return detail
}

func errorType(kind string) string {
	switch kind {
	case CodeValidation:
		return entities.ErrorTypeValidation
	case CodeNotFound:
		return entities.ErrorTypeNotFound
	case CodeRateLimited:
		return entities.ErrorTypeRateLimit
	case CodeUpstream:
		return entities.ErrorTypeRemote
	default:
		return entities.ErrorTypeInternal
	}
}

// NewValidationError creates an error response for bad input (e.g., malformed JSON).
func NewValidationError(message string) *ErrorResponse {
	return &ErrorResponse{
		Kind:    CodeValidation,
		Message: message,
		Status:  400,
	}
}

// NewNotFoundError creates an error response for unknown operations.
func NewNotFoundError(operation string) *ErrorResponse {
	return &ErrorResponse{
		Kind:    CodeNotFound,
		Message: "unknown operation: " + operation,
		Status:  404,
	}
}

// NewRateLimitedError creates an error response for a guest over its rate.
func NewRateLimitedError(operation string, retryAt time.Time) *ErrorResponse {
	resp := &ErrorResponse{
		Kind:    CodeRateLimited,
		Message: "rate limit exceeded for " + operation,
		Status:  429,
	}
	if !retryAt.IsZero() {
		resp.Details = map[string]any{"retry_at": retryAt.Format(time.RFC3339Nano)}
	}
	return resp
}

// NewUpstreamError creates an error response for a failed collaborator, such
// as the REST service or the websocket feed.
func NewUpstreamError(message string, status int) *ErrorResponse {
	return &ErrorResponse{
		Kind:    CodeUpstream,
		Message: message,
		Status:  status,
	}
}

// NewInternalError creates an error response for unexpected failures.
func NewInternalError(message string) *ErrorResponse {
	return &ErrorResponse{
		Kind:    CodeInternal,
		Message: message,
		Status:  500,
	}
}

// NewPanicError creates an error response for recovered panics.
func NewPanicError(panicValue any) *ErrorResponse {
	var msg string
	if err, ok := panicValue.(error); ok {
		msg = err.Error()
	} else if s, ok := panicValue.(string); ok {
		msg = s
	} else {
		msg = "panic recovered"
	}
	return &ErrorResponse{
		Kind:    CodeInternal,
		Message: "panic: " + msg,
		Status:  500,
	}
}
