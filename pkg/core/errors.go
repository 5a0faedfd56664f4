package core

import (
	"context"
	"errors"
	"fmt"
)

// Error is the JSON error body returned by the HTTP surface.
type Error struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Param      string    `json:"param,omitempty"`
	Code       string    `json:"code,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	RetryAfter *int      `json:"retry_after,omitempty"`
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
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrPermission     ErrorType = "permission_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrRateLimit      ErrorType = "rate_limit_error"
	ErrAPI            ErrorType = "api_error"
	ErrOverloaded     ErrorType = "overloaded_error"
	ErrPaymentNeeded  ErrorType = "payment_required_error"
)

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message}
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(message string) *Error {
	return &Error{Type: ErrNotFound, Message: message}
}

// NewRateLimitError creates a rate limit error.
func NewRateLimitError(message string, retryAfter int) *Error {
	return &Error{Type: ErrRateLimit, Message: message, RetryAfter: &retryAfter}
}

// NewOverloadedError creates an overloaded error.
func NewOverloadedError(message string) *Error {
	return &Error{Type: ErrOverloaded, Message: message}
}

// ConnectKind classifies a failed provider connect.
type ConnectKind string

const (
	ConnectAuth        ConnectKind = "auth"
	ConnectTimeout     ConnectKind = "timeout"
	ConnectForbidden   ConnectKind = "forbidden"
	ConnectUnavailable ConnectKind = "unavailable"
)

// ConnectError is returned when a provider connection or handshake fails.
// It always ends the session.
type ConnectError struct {
	Provider string
	Kind     ConnectKind
	Err      error
}

func (e *ConnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s connect %s: %v", e.Provider, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s connect %s", e.Provider, e.Kind)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// NewConnectError builds a ConnectError, mapping context deadlines to
// ConnectTimeout regardless of the kind given.
func NewConnectError(provider string, kind ConnectKind, err error) *ConnectError {
	if errors.Is(err, context.DeadlineExceeded) {
		kind = ConnectTimeout
	}
	return &ConnectError{Provider: provider, Kind: kind, Err: err}
}

// ConnectKindForStatus maps a handshake HTTP status to a ConnectKind.
func ConnectKindForStatus(status int) ConnectKind {
	switch status {
	case 401:
		return ConnectAuth
	case 403:
		return ConnectForbidden
	case 408, 504:
		return ConnectTimeout
	default:
		return ConnectUnavailable
	}
}

// ProtocolError reports a malformed or unknown inbound message. Sessions log
// it and keep running.
type ProtocolError struct {
	Code    string
	Message string
	Param   string
}

func (e *ProtocolError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Param)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ToolErrorKind classifies tool failures.
type ToolErrorKind string

const (
	ToolNotAllowed      ToolErrorKind = "not_allowed"
	ToolExecutionFailed ToolErrorKind = "execution_failed"
	ToolDeliveryFailed  ToolErrorKind = "delivery_failed"
)

// ToolError is a recoverable tool failure. It is reported to the provider and
// the client; the session continues.
type ToolError struct {
	Kind   ToolErrorKind
	Tool   string
	CallID string
	Err    error
}

func (e *ToolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tool %s (%s): %s: %v", e.Tool, e.CallID, e.Kind, e.Err)
	}
	return fmt.Sprintf("tool %s (%s): %s", e.Tool, e.CallID, e.Kind)
}

func (e *ToolError) Unwrap() error { return e.Err }

// ProviderLostError is raised after the provider socket dropped and the
// single reconnect attempt failed.
type ProviderLostError struct {
	Provider string
	Err      error
}

func (e *ProviderLostError) Error() string {
	return fmt.Sprintf("%s connection lost: %v", e.Provider, e.Err)
}

func (e *ProviderLostError) Unwrap() error { return e.Err }

// TransportDisconnectedError means the client went away.
type TransportDisconnectedError struct {
	Err error
}

func (e *TransportDisconnectedError) Error() string {
	if e.Err == nil {
		return "client transport disconnected"
	}
	return fmt.Sprintf("client transport disconnected: %v", e.Err)
}

func (e *TransportDisconnectedError) Unwrap() error { return e.Err }

// ErrSessionExpired ends a session that exceeded its maximum duration.
var ErrSessionExpired = errors.New("session exceeded maximum duration")

// IsFatal reports whether err must terminate the session.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return false
	}
	var te *ToolError
	return !errors.As(err, &te)
}

// Classify returns the user-facing code and message sent to the client in the
// final error event.
func Classify(err error) (code, message string) {
	var (
		ce *ConnectError
		pl *ProviderLostError
		td *TransportDisconnectedError
		te *ToolError
		pe *ProtocolError
	)
	switch {
	case err == nil:
		return "", ""
	case errors.As(err, &ce):
		switch ce.Kind {
		case ConnectAuth:
			return "provider_auth_failed", "voice provider rejected the credentials"
		case ConnectTimeout:
			return "provider_timeout", "voice provider did not respond in time"
		case ConnectForbidden:
			return "provider_forbidden", "voice provider refused access"
		default:
			return "provider_unavailable", "voice provider is unavailable"
		}
	case errors.As(err, &pl):
		return "provider_lost", "connection to the voice provider was lost"
	case errors.As(err, &td):
		return "transport_disconnected", "client disconnected"
	case errors.As(err, &te):
		return "tool_" + string(te.Kind), te.Error()
	case errors.As(err, &pe):
		return pe.Code, pe.Message
	case errors.Is(err, ErrSessionExpired):
		return "session_expired", "session reached its maximum duration"
	case errors.Is(err, context.Canceled):
		return "session_closed", "session closed"
	default:
		return "internal_error", "internal error"
	}
}
