package session

import "errors"

var (
	// ErrDecode is returned when an audio payload is not valid base64.
	ErrDecode = errors.New("session: invalid audio data format")

	// ErrSessionNotFound is returned for operations on an unknown session id.
	ErrSessionNotFound = errors.New("session: not found")

	// ErrInvalidConfig wraps every configuration validation failure.
	ErrInvalidConfig = errors.New("session: invalid config")

	// ErrClosed is returned by operations on a closed registry.
	ErrClosed = errors.New("session: registry closed")
)
