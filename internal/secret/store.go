// Package secret provides the ephemeral key-value capability the OTP core
// runs on: get, set-with-expiry, conditional set, atomic increment,
// remaining-TTL, delete and existence-check, all with per-key expiry.
package secret

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key is absent or expired.
	ErrNotFound = errors.New("secret: key not found")
	// ErrUnavailable wraps any backend failure. Callers must fail closed:
	// a store error is never the same as "key absent".
	ErrUnavailable = errors.New("secret: store unavailable")
)

// Store is the minimal contract the OTP state machine needs. Any backend
// with per-key TTL and an atomic increment satisfies it; Redis in
// deployment, an in-memory map in tests and single-process setups.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// SetEX stores value under key with the given TTL, overwriting any
	// previous value.
	SetEX(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX stores value only if key is absent. Reports whether the write
	// happened. This is the serialization point for cooldown windows.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Incr atomically increments the integer at key and refreshes its TTL,
	// returning the post-increment value. The increment and the expiry
	// refresh execute as one unit.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// TTL returns the remaining lifetime of key, or 0 when the key is
	// absent or has no expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Del removes the given keys. Deleting absent keys is not an error.
	Del(ctx context.Context, keys ...string) error

	// Exists reports whether key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)
}
