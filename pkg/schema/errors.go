package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeDispatch          = "DISPATCH_ERROR"
	ErrCodeGuard             = "GUARD_ERROR"
	ErrCodeQueueConsistency  = "QUEUE_CONSISTENCY"
	ErrCodeEvaluation        = "EVALUATION_ERROR"
	ErrCodeUnresolvedVar     = "UNRESOLVED_VARIABLE"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
)

// Error is the structured error type for all protoq operations.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	QueueID int64          `json:"queue_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	if e.QueueID != 0 {
		return fmt.Sprintf("[%s] entry %d: %s", e.Code, e.QueueID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithEntry attaches a queue entry ID to the error.
func (e *Error) WithEntry(queueID int64) *Error {
	e.QueueID = queueID
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// ErrorCodeOf extracts the error code from err, walking the unwrap chain.
// Returns the empty string for nil or unstructured errors.
func ErrorCodeOf(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}
