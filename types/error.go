package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the library.
type ErrorCode string

// Exchange error codes. These cover the rendezvous table itself.
const (
	ErrMalformedKey      ErrorCode = "MALFORMED_KEY"
	ErrAborted           ErrorCode = "ABORTED"
	ErrDeadlineExceeded  ErrorCode = "DEADLINE_EXCEEDED"
	ErrCancelled         ErrorCode = "CANCELLED"
	ErrDuplicateExchange ErrorCode = "DUPLICATE_EXCHANGE"
)

// Transfer error codes.
const (
	ErrProtocolViolation ErrorCode = "PROTOCOL_VIOLATION"
	ErrInvalidArgument   ErrorCode = "INVALID_ARGUMENT"
)

// Infrastructure error codes.
const (
	ErrNotFound         ErrorCode = "NOT_FOUND"
	ErrStaleIncarnation ErrorCode = "STALE_INCARNATION"
	ErrUnavailable      ErrorCode = "UNAVAILABLE"
	ErrInternal         ErrorCode = "INTERNAL"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Key       string    `json:"key,omitempty"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Key != "" && e.Cause != nil:
		return fmt.Sprintf("[%s] %s (key %q): %v", e.Code, e.Message, e.Key, e.Cause)
	case e.Key != "":
		return fmt.Sprintf("[%s] %s (key %q)", e.Code, e.Message, e.Key)
	case e.Cause != nil:
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	default:
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithKey records the full rendezvous key the error relates to.
func (e *Error) WithKey(key string) *Error {
	e.Key = key
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error, unwrapping as needed.
// It returns the empty code when err carries no *Error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
