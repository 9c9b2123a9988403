package store

import "errors"

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrLimitReached is returned by SaveWithinLimit when the owner already
	// holds the maximum number of non-revoked keys.
	ErrLimitReached = errors.New("key limit reached")
)
