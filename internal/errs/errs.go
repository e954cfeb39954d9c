// Package errs defines the gateway's error taxonomy. Every failure surfaced
// to a caller carries a stable code, a human-readable message, and a
// recoverability hint so clients know whether a retry can help.
package errs

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable error code.
type Code string

const (
	Unauthorized       Code = "UNAUTHORIZED"
	RateLimited        Code = "RATE_LIMITED"
	NotFound           Code = "NOT_FOUND"
	NoHealthyInstance  Code = "NO_HEALTHY_INSTANCE"
	Timeout            Code = "TIMEOUT"
	BreakerOpen        Code = "BREAKER_OPEN"
	QueueFull          Code = "QUEUE_FULL"
	ConnectError       Code = "CONNECT_ERROR"
	NotConnected       Code = "NOT_CONNECTED"
	WriteError         Code = "WRITE_ERROR"
	Closed             Code = "CLOSED"
	ProtocolError      Code = "PROTOCOL_ERROR"
	PreconditionFailed Code = "PRECONDITION_FAILED"
	InvalidArgument    Code = "INVALID_ARGUMENT"
	Internal           Code = "INTERNAL"
)

// recoverable codes: the client (or dispatcher) can retry and plausibly
// succeed without operator intervention.
var recoverable = map[Code]bool{
	RateLimited:  true,
	Timeout:      true,
	BreakerOpen:  true,
	QueueFull:    true,
	ConnectError: true,
	WriteError:   true,
}

// Error is the single result-or-error type used across the gateway.
type Error struct {
	Code    Code
	Message string
	Meta    map[string]any
	cause   error
}

// New creates an error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error with the given code whose cause is err. The message
// is prefixed to the cause on formatting.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: err}
}

// WithMeta attaches a metadata key/value and returns the error for chaining.
func (e *Error) WithMeta(key string, value any) *Error {
	if e.Meta == nil {
		e.Meta = make(map[string]any)
	}
	e.Meta[key] = value
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Recoverable reports whether a retry can plausibly succeed.
func (e *Error) Recoverable() bool { return recoverable[e.Code] }

// CodeOf extracts the code from err, unwrapping as needed. Unknown errors
// map to Internal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
