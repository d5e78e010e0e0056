// Package counter provides the shared TTL counter service used for rate
// limiting. Redis is the production backend; MemoryStore serves single-node
// development and tests.
package counter

import (
	"context"
	"errors"
	"time"
)

// NoTTL is returned by RemainingTTL when the key is missing or has no
// expiry set.
const NoTTL time.Duration = -1

// ErrUnavailable is returned when the backing service cannot be reached or
// the circuit breaker is open.
var ErrUnavailable = errors.New("counter store unavailable")

// Store is an atomic counter service with per-key expiry.
type Store interface {
	// Increment adds one to key and returns the new value. A missing key
	// starts at zero.
	Increment(ctx context.Context, key string) (int64, error)
	// SetExpiry sets key to expire after ttl.
	SetExpiry(ctx context.Context, key string, ttl time.Duration) error
	// RemainingTTL returns the time left before key expires, or NoTTL.
	RemainingTTL(ctx context.Context, key string) (time.Duration, error)
	// Get returns the current value of key, zero if missing.
	Get(ctx context.Context, key string) (int64, error)
	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
	Close() error
}
