package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks store failures caused by the backing infrastructure
// (network faults, timeouts). Callers decide whether to fail closed.
var ErrUnavailable = errors.New("keyed store unavailable")

// Store is the shared keyed store used for rate-limit buckets, login-attempt
// counters, refresh sessions and the token blacklist. All mutation goes
// through atomic primitives; there is no read-then-separate-write path.
type Store interface {
	// Get returns the value for key. found is false when the key is absent
	// or already expired.
	Get(ctx context.Context, key string) (value string, found bool, err error)

	// SetWithTTL stores value under key, replacing any previous value.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// Increment atomically increments the integer at key and returns the new
	// value. The TTL is applied only when the key is created, so the window
	// is anchored at the first increment.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// CompareAndSwap writes value only if the current value equals old.
	// An empty old means "create only if absent". Reports whether the swap
	// was applied.
	CompareAndSwap(ctx context.Context, key, old, value string, ttl time.Duration) (bool, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// DeleteByPrefix removes every key starting with prefix.
	DeleteByPrefix(ctx context.Context, prefix string) error

	// Exists reports whether key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)

	// TTL returns the remaining lifetime of key. found is false when the key
	// is absent; a found key without an expiry reports a zero duration.
	TTL(ctx context.Context, key string) (remaining time.Duration, found bool, err error)
}
