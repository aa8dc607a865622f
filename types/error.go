package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Construction-time error codes
const (
	ErrConfiguration  ErrorCode = "CONFIGURATION"
	ErrStartupFailure ErrorCode = "STARTUP_FAILURE"
)

// Worker error codes
const (
	ErrRemoteExecution ErrorCode = "REMOTE_EXECUTION"
	ErrProtocol        ErrorCode = "PROTOCOL"
	ErrTransport       ErrorCode = "TRANSPORT"
	ErrRejected        ErrorCode = "REJECTED"
	ErrWorkerDead      ErrorCode = "WORKER_DEAD"
	ErrRequestInFlight ErrorCode = "REQUEST_IN_FLIGHT"
	ErrPromiseConsumed ErrorCode = "PROMISE_CONSUMED"
)

// Batch error codes
const (
	ErrInvalidAction ErrorCode = "INVALID_ACTION"
)

// Error represents a structured error with code, message, and metadata.
// Failures raised inside a worker cross the channel as text and come back
// as an Error carrying the worker ID and the formatted stack.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Worker  string    `json:"worker,omitempty"`
	Stack   string    `json:"stack,omitempty"`
	Cause   error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Worker != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Worker)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
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

// WithWorker tags the error with the worker it came from.
func (e *Error) WithWorker(worker string) *Error {
	e.Worker = worker
	return e
}

// WithStack attaches a formatted stack trace.
func (e *Error) WithStack(stack string) *Error {
	e.Stack = stack
	return e
}

// GetErrorCode extracts the error code from an error chain.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether any error in the chain carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
