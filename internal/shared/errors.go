package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrUnsupportedSystem indicates an accounting system with no registered strategy.
	ErrUnsupportedSystem = errors.New("unsupported accounting system")
	// ErrDuplicateIntegration occurs when a partner already has an active integration
	// for the same accounting system.
	ErrDuplicateIntegration = errors.New("active integration already exists")
	// ErrSessionExpired occurs when the bearer session token is missing, malformed,
	// or no longer present in the session cache.
	ErrSessionExpired = errors.New("session expired")
)
