package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the session runtime.
type ErrorCode string

// Connection error codes
const (
	ErrConnectTimeout ErrorCode = "CONNECT_TIMEOUT"
	ErrConnectFailed  ErrorCode = "CONNECT_FAILED"
)

// Generation error codes
const (
	ErrDispatchTimeout   ErrorCode = "DISPATCH_TIMEOUT"
	ErrGenerationTimeout ErrorCode = "GENERATION_TIMEOUT"
	ErrBackendError      ErrorCode = "BACKEND_ERROR"
	ErrCancelled         ErrorCode = "CANCELLED"
)

// Pool error codes
const (
	ErrPoolClosed       ErrorCode = "POOL_CLOSED"
	ErrSessionBusy      ErrorCode = "SESSION_BUSY"
	ErrListenerAttached ErrorCode = "LISTENER_ATTACHED"
	ErrInvalidRequest   ErrorCode = "INVALID_REQUEST"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	SessionID string    `json:"session_id,omitempty"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by code, so errors.Is(err, types.NewError(code, ""))
// works regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithSession tags the error with the session it happened on.
func (e *Error) WithSession(sessionID string) *Error {
	e.SessionID = sessionID
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

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsConnectionError reports whether err belongs to the connection-level
// taxonomy (surfaced to acquire callers, pool resets to disconnected).
func IsConnectionError(err error) bool {
	switch GetErrorCode(err) {
	case ErrConnectTimeout, ErrConnectFailed:
		return true
	}
	return false
}
