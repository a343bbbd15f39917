package core

import (
	"errors"
	"fmt"
)

// Error represents a session error.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    string    `json:"code,omitempty"`
	Err     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrCredential    ErrorType = "credential_error"
	ErrSignaling     ErrorType = "signaling_error"
	ErrConnection    ErrorType = "connection_error"
	ErrChannel       ErrorType = "channel_error"
	ErrConfiguration ErrorType = "configuration_error"
	ErrProtocol      ErrorType = "protocol_error"
)

// NewCredentialError creates a credential error: the token broker was
// unreachable or returned a malformed payload.
func NewCredentialError(message string) *Error {
	return &Error{
		Type:    ErrCredential,
		Message: message,
	}
}

// NewSignalingError creates a signaling error: the offer/answer exchange
// was rejected.
func NewSignalingError(message string) *Error {
	return &Error{
		Type:    ErrSignaling,
		Message: message,
	}
}

// NewConnectionError creates a connection error: the transport failed, or a
// link disconnect persisted past the grace period.
func NewConnectionError(message string) *Error {
	return &Error{
		Type:    ErrConnection,
		Message: message,
	}
}

// NewChannelError creates a channel error: the control channel errored or
// never opened.
func NewChannelError(message string) *Error {
	return &Error{
		Type:    ErrChannel,
		Message: message,
	}
}

// NewConfigurationError creates a configuration error: a configuration send
// exhausted its retries or was rejected.
func NewConfigurationError(message string) *Error {
	return &Error{
		Type:    ErrConfiguration,
		Message: message,
	}
}

// NewProtocolError creates a protocol error: a malformed inbound event.
func NewProtocolError(message string) *Error {
	return &Error{
		Type:    ErrProtocol,
		Message: message,
	}
}

// Wrap creates an error of the given type carrying an underlying cause.
func Wrap(t ErrorType, message string, err error) *Error {
	return &Error{
		Type:    t,
		Message: message,
		Err:     err,
	}
}

// WithCode returns a copy of the error annotated with a remote error code.
func (e *Error) WithCode(code string) *Error {
	clone := *e
	clone.Code = code
	return &clone
}

// Fatal reports whether the error terminates the session. Protocol errors
// are recovered locally by dropping the event; configuration errors leave
// the session usable in a degraded state unless the caller opted into
// strict configuration handling.
func (e *Error) Fatal() bool {
	switch e.Type {
	case ErrCredential, ErrSignaling, ErrConnection, ErrChannel:
		return true
	default:
		return false
	}
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsType reports whether err is (or wraps) a session error of type t.
func IsType(err error, t ErrorType) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Type == t
	}
	return false
}
