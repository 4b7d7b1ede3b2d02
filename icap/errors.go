package icap

import (
	"errors"
	"fmt"
)

// Error codes for machine-readable classification of ICAP failures. The
// orchestrator maps these onto verdict error categories, so the distinction
// between "the host does not resolve", "the host refused", "the exchange
// timed out" and "the server spoke garbage" must survive the trip up.
const (
	CodeUnknownHost = "unknown_host"
	CodeConnection  = "connection_error"
	CodeTimeout     = "timeout"
	CodeProtocol    = "protocol_error"
	CodeValidation  = "validation_error"
)

// Error is the error type returned by this package.
type Error struct {
	// Code is a machine-readable error code.
	Code string
	// Message is a human-readable description.
	Message string
	// StatusCode is the ICAP status code, when the server answered at all.
	StatusCode int
	// Cause is the underlying error, if any.
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause for use with errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewUnknownHostError creates an error indicating the server hostname did
// not resolve.
func NewUnknownHostError(msg string, cause error) *Error {
	return &Error{Code: CodeUnknownHost, Message: msg, Cause: cause}
}

// NewConnectionError creates an error indicating a connection-level failure.
func NewConnectionError(msg string, cause error) *Error {
	return &Error{Code: CodeConnection, Message: msg, Cause: cause}
}

// NewTimeoutError creates an error indicating the exchange timed out.
func NewTimeoutError(msg string, cause error) *Error {
	return &Error{Code: CodeTimeout, Message: msg, Cause: cause}
}

// NewProtocolError creates an error indicating a malformed or truncated
// server response.
func NewProtocolError(msg string, cause error) *Error {
	return &Error{Code: CodeProtocol, Message: msg, Cause: cause}
}

// NewValidationError creates an error indicating invalid caller input.
func NewValidationError(msg string, cause error) *Error {
	return &Error{Code: CodeValidation, Message: msg, Cause: cause}
}

func isCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsUnknownHostError reports whether err is or wraps an unknown-host error.
func IsUnknownHostError(err error) bool { return isCode(err, CodeUnknownHost) }

// IsConnectionError reports whether err is or wraps a connection error.
func IsConnectionError(err error) bool { return isCode(err, CodeConnection) }

// IsTimeoutError reports whether err is or wraps a timeout error.
func IsTimeoutError(err error) bool { return isCode(err, CodeTimeout) }

// IsProtocolError reports whether err is or wraps a protocol error.
func IsProtocolError(err error) bool { return isCode(err, CodeProtocol) }

// IsValidationError reports whether err is or wraps a validation error.
func IsValidationError(err error) bool { return isCode(err, CodeValidation) }
