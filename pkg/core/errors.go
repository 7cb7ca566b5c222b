package core

import (
	"errors"
	"fmt"
)

// Error is the error type shared by the live session core and the one-shot
// query client.
type Error struct {
	Type    ErrorType `json:"type"`
	Title   string    `json:"title,omitempty"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Title != "" {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Title, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorType categorizes errors.
type ErrorType string

const (
	// ErrAccess: capture device permission denied or hardware unavailable.
	// Carries a Title suitable for direct display to the user.
	ErrAccess ErrorType = "access_error"
	// ErrConnection: the remote endpoint failed to open, or closed/errored
	// mid-session. Never retried automatically.
	ErrConnection ErrorType = "connection_error"
	// ErrFormat: a payload violated the wire contract (e.g. PCM byte length
	// not aligned to the sample/channel boundary). Fatal to the chunk only.
	ErrFormat ErrorType = "format_error"
	// ErrState: an operation was invalid in the current lifecycle state.
	ErrState ErrorType = "state_error"
)

// NewAccessError creates a capture-device access error. Title distinguishes
// permission failure from hardware unavailability for the user-facing layer.
func NewAccessError(title, message string, cause error) *Error {
	return &Error{
		Type:    ErrAccess,
		Title:   title,
		Message: message,
		Err:     cause,
	}
}

// NewConnectionError creates a connection error.
func NewConnectionError(message string, cause error) *Error {
	return &Error{
		Type:    ErrConnection,
		Message: message,
		Err:     cause,
	}
}

// NewFormatError creates a format error.
func NewFormatError(message string) *Error {
	return &Error{
		Type:    ErrFormat,
		Message: message,
	}
}

// NewStateError creates a lifecycle state error.
func NewStateError(message string) *Error {
	return &Error{
		Type:    ErrState,
		Message: message,
	}
}

// IsAccessError reports whether err is (or wraps) an access error.
func IsAccessError(err error) bool {
	return TypeOf(err) == ErrAccess
}

// IsConnectionError reports whether err is (or wraps) a connection error.
func IsConnectionError(err error) bool {
	return TypeOf(err) == ErrConnection
}

// IsFormatError reports whether err is (or wraps) a format error.
func IsFormatError(err error) bool {
	return TypeOf(err) == ErrFormat
}

// IsStateError reports whether err is (or wraps) a state error.
func IsStateError(err error) bool {
	return TypeOf(err) == ErrState
}

// TypeOf returns the taxonomy type of err, or "" if err does not wrap an
// *Error from this package.
func TypeOf(err error) ErrorType {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Type
	}
	return ""
}
