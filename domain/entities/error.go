package entities

import "fmt"

// Error types carried in ErrorDetail.Type.
const (
	ErrorTypeTimeout    = "timeout"
	ErrorTypeCancelled  = "cancelled"
	ErrorTypeNotReady   = "not_ready"
	ErrorTypeNotFound   = "not_found"
	ErrorTypeValidation = "validation"
	ErrorTypeRateLimit  = "rate_limit"
	ErrorTypeRemote     = "remote"
	ErrorTypeInternal   = "internal"
)

// ErrorDetail is the structured error carried by `error` stream frames.
type ErrorDetail struct {
	// Details contains additional error context.
	Details map[string]any `json:"details,omitempty"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Type categorizes the error (see the ErrorType constants).
	Type string `json:"type"`

	// Code is a machine-readable error code, e.g. "NOT_FOUND".
	Code string `json:"code,omitempty"`

	// Operation names the operation that failed, when known.
	Operation string `json:"operation,omitempty"`
}

// Error implements the error interface.
func (e *ErrorDetail) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if e.Type != "" && e.Type != ErrorTypeInternal {
		msg = fmt.Sprintf("%s: %s", e.Type, msg)
	}
	if e.Code != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.Code)
	}
	return msg
}

// NewErrorDetail creates a new ErrorDetail with the given type and message.
func NewErrorDetail(errorType, message string) *ErrorDetail {
	return &ErrorDetail{
		Type:    errorType,
		Message: message,
	}
}

// WithCode sets the machine-readable code and returns the receiver.
func (e *ErrorDetail) WithCode(code string) *ErrorDetail {
	e.Code = code
	return e
}

// WithDetails attaches additional context and returns the receiver.
func (e *ErrorDetail) WithDetails(details map[string]any) *ErrorDetail {
	e.Details = details
	return e
}
