package changelist

import (
	"context"
	"errors"
)

// Common errors returned by Source implementations.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, changelist.ErrNotFound) {
//	    // nothing to do for this change
//	}
var (
	// ErrNotFound is returned when a change, file or counter does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConnection is returned when the server cannot be reached.
	ErrConnection = errors.New("changelist server unreachable")

	// ErrAuth is returned when the server rejects the credentials or the
	// session ticket has expired.
	ErrAuth = errors.New("changelist authentication failed")

	// ErrTimeout is returned when a call exceeds its deadline.
	ErrTimeout = errors.New("changelist operation timed out")

	// ErrNotAvailable is returned when the client binary is not installed.
	ErrNotAvailable = errors.New("changelist client not available")

	// ErrProtocol is returned when server output cannot be decoded.
	ErrProtocol = errors.New("unexpected changelist server output")
)

// IsTransient returns true if the error should abort the current cycle and be
// retried on the next poll. A timeout is treated like a dropped connection.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrConnection) || errors.Is(err, ErrAuth) || errors.Is(err, ErrTimeout) {
		return true
	}

	return errors.Is(err, context.DeadlineExceeded)
}

// IsNotFound returns true if the error means "nothing there".
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsFatal returns true if retrying cannot help without operator action.
func IsFatal(err error) bool {
	return errors.Is(err, ErrNotAvailable)
}
