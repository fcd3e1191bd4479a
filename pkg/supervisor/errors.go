package supervisor

import "errors"

var (
	// ErrSessionNotFound is returned for ids with no active session
	ErrSessionNotFound = errors.New("session not found")

	// ErrTimeout prefixes the error recorded on timed out sessions
	ErrTimeout = errors.New("deadline exceeded")

	// ErrNotRunning is returned when the supervisor has not been initialized
	// or has been shut down
	ErrNotRunning = errors.New("supervisor is not running")
)
