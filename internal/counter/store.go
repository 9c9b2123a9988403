// Package counter provides the atomic counter stores behind rate limiting
// and daily quotas. The in-memory store serves a single process; the Redis
// store shares counters across replicas.
package counter

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("counter store closed")

// Store is an atomic counter keyed by bucket name. Implementations must not
// lose increments under concurrent callers.
type Store interface {
	// Increment adds one to key and returns the new value. The expiry is set
	// when the increment creates the key and left alone afterwards.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// IncrementBy adds delta to key and returns the new value, with the same
	// expiry rule as Increment.
	IncrementBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	// Get returns the current value, or 0 if the key is absent or expired.
	Get(ctx context.Context, key string) (int64, error)
	// Reset deletes the given keys.
	Reset(ctx context.Context, keys ...string) error
	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
	Close() error
}
