package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidKey is returned by Connect for keys missing required scope.
	ErrInvalidKey = errors.New("invalid socket key")

	// ErrNotConnected reports that no open socket exists for a kind.
	ErrNotConnected = errors.New("socket not connected")

	// ErrSuperseded is returned to a Connect whose dial was overtaken by a
	// connect for a different identity or by Close.
	ErrSuperseded = errors.New("connect superseded")

	// ErrClosed is returned by Conn implementations after Close.
	ErrClosed = errors.New("connection closed")
)

// ErrorCode classifies dial and socket failures.
type ErrorCode string

const (
	// ErrCodeConnection indicates network failures; retryable.
	ErrCodeConnection ErrorCode = "CONNECTION_ERROR"

	// ErrCodeAuthentication indicates a rejected token; never retried.
	ErrCodeAuthentication ErrorCode = "AUTH_ERROR"

	// ErrCodeProtocol indicates an unexpected handshake response.
	ErrCodeProtocol ErrorCode = "PROTOCOL_ERROR"

	// ErrCodeTimeout indicates the dial timed out; retryable.
	ErrCodeTimeout ErrorCode = "TIMEOUT_ERROR"
)

// Error is a structured transport failure.
type Error struct {
	Code    ErrorCode
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s %s: %v", e.Code, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s %s", e.Code, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether retrying may succeed.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case ErrCodeConnection, ErrCodeTimeout:
		return true
	default:
		return false
	}
}

// CodeOf returns the ErrorCode carried by err, or "" when err is not a
// transport error.
func CodeOf(err error) ErrorCode {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// IsAuthError reports whether err is an authentication failure.
func IsAuthError(err error) bool {
	return CodeOf(err) == ErrCodeAuthentication
}
