package entity

import (
	"context"
	"errors"
)

// Common errors returned by Store implementations.
var (
	// ErrNotFound is returned when an entity or schema field does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrConnection is returned when the store cannot be reached.
	ErrConnection = errors.New("entity store unreachable")

	// ErrAuth is returned when the store rejects the credentials.
	ErrAuth = errors.New("entity store authentication failed")

	// ErrTimeout is returned when a call exceeds its deadline.
	ErrTimeout = errors.New("entity store operation timed out")

	// ErrInvalidFilter is returned for malformed queries.
	ErrInvalidFilter = errors.New("invalid entity filter")
)

// IsTransient returns true if the failure should abort the current cycle
// and be retried later.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnection) || errors.Is(err, ErrAuth) || errors.Is(err, ErrTimeout) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsNotFound returns true if the error means the entity or field is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
