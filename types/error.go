package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Backend and dispatch error codes.
const (
	ErrBackendLoad           ErrorCode = "BACKEND_LOAD"
	ErrBackendInvocation     ErrorCode = "BACKEND_INVOCATION"
	ErrBackendTimeout        ErrorCode = "BACKEND_TIMEOUT"
	ErrBackendCancelled      ErrorCode = "BACKEND_CANCELLED"
	ErrBackendBusy           ErrorCode = "BACKEND_BUSY"
	ErrUnsupportedCapability ErrorCode = "UNSUPPORTED_CAPABILITY"
)

// Fusion and request error codes.
const (
	ErrFusionInput     ErrorCode = "FUSION_INPUT"
	ErrInvalidRequest  ErrorCode = "INVALID_REQUEST"
	ErrInvalidStrategy ErrorCode = "INVALID_STRATEGY"
	ErrResultNotFound  ErrorCode = "RESULT_NOT_FOUND"
	ErrInternal        ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode     `json:"code"`
	Message    string        `json:"message"`
	Capability CapabilityKey `json:"capability,omitempty"`
	Retryable  bool          `json:"retryable"`
	Cause      error         `json:"-"`
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

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithCapability tags the error with the capability it belongs to.
func (e *Error) WithCapability(key CapabilityKey) *Error {
	e.Capability = key
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// AsError extracts a *Error from err, or wraps err as an internal error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewError(ErrInternal, err.Error()).WithCause(err)
}

// IsErrorCode reports whether err carries the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// Convenience constructors for the common cases.

// NewLoadError reports a failed backend initialization. Load failures are
// cached by the registry and never retried implicitly.
func NewLoadError(key CapabilityKey, cause error) *Error {
	return NewError(ErrBackendLoad, "backend failed to load").
		WithCapability(key).WithCause(cause)
}

// NewInvocationError reports a runtime failure during a single call.
func NewInvocationError(key CapabilityKey, cause error) *Error {
	return NewError(ErrBackendInvocation, "backend invocation failed").
		WithCapability(key).WithCause(cause).WithRetryable(true)
}

// NewTimeoutError reports a call that exceeded its per-capability bound.
func NewTimeoutError(key CapabilityKey) *Error {
	return NewError(ErrBackendTimeout, "backend invocation timed out").
		WithCapability(key).WithRetryable(true)
}

// NewCancelledError reports a call aborted by request-level cancellation.
func NewCancelledError(key CapabilityKey) *Error {
	return NewError(ErrBackendCancelled, "backend invocation cancelled").
		WithCapability(key)
}

// NewBusyError reports an eviction refused because the handle has a load
// or invocations in flight.
func NewBusyError(key CapabilityKey, cause error) *Error {
	return NewError(ErrBackendBusy, "backend has in-flight calls").
		WithCapability(key).WithCause(cause).WithRetryable(true)
}

// NewUnsupportedCapabilityError reports a capability with no registered backend.
func NewUnsupportedCapabilityError(key CapabilityKey) *Error {
	return NewError(ErrUnsupportedCapability, fmt.Sprintf("no backend registered for %s", key)).
		WithCapability(key)
}
