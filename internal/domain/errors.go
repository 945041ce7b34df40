package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every component. Callers match with errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrMediaAccessDenied = errors.New("media access denied")
	ErrConnection        = errors.New("connection error")
	ErrChannel           = errors.New("channel error")

	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotReady          = errors.New("not ready")
	ErrEmptyMessage      = errors.New("message content cannot be empty")
	ErrMessageTooLong    = errors.New("message content too long")
	ErrLobbyTimeout      = errors.New("lobby wait timed out")
	ErrSessionEnded      = errors.New("session ended")
	ErrInvalid           = errors.New("invalid request")
)

// Wire codes for the sentinels, shared by the HTTP and WebSocket surfaces.
var errorCodes = []struct {
	err  error
	code string
}{
	{ErrNotFound, "not_found"},
	{ErrPermissionDenied, "permission_denied"},
	{ErrMediaAccessDenied, "media_access_denied"},
	{ErrConnection, "connection"},
	{ErrChannel, "channel"},
	{ErrInvalidTransition, "invalid_transition"},
	{ErrNotReady, "not_ready"},
	{ErrEmptyMessage, "empty_message"},
	{ErrMessageTooLong, "message_too_long"},
	{ErrLobbyTimeout, "lobby_timeout"},
	{ErrSessionEnded, "session_ended"},
	{ErrInvalid, "invalid"},
}

// ErrorCode names the first sentinel err wraps, or "internal".
func ErrorCode(err error) string {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return "internal"
}

// CodeError rebuilds a wrapped sentinel from a wire code and message.
func CodeError(code, msg string) error {
	for _, e := range errorCodes {
		if e.code == code {
			return fmt.Errorf("%w: %s", e.err, msg)
		}
	}
	return errors.New(msg)
}
