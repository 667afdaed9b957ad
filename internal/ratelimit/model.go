package ratelimit

import (
	"context"
	"time"
)

// Identity names a single bucket: the scope groups a policy (route, global),
// the key identifies the caller within it.
type Identity struct {
	Scope string
	Key   string
}

// Config carries the token-bucket policy. Zero fields fall back to the
// platform defaults (10 tokens/s, burst 20, cost 1).
type Config struct {
	// ReplenishRate is the number of tokens added per second.
	ReplenishRate float64

	// BurstCapacity is the maximum number of tokens a bucket holds.
	BurstCapacity float64

	// RequestedTokens is the default cost of one request.
	RequestedTokens float64

	// KeyPrefix namespaces bucket keys in the shared store.
	KeyPrefix string

	// KeyExpiration is the rolling TTL for idle buckets. It is floored at
	// the time to refill from empty so an expiry never truncates a burst.
	KeyExpiration time.Duration

	// RetryAfterSeconds is the hint used when no decision is available
	// (store failure, CAS budget exhausted).
	RetryAfterSeconds int
}

func (c Config) withDefaults() Config {
	if c.ReplenishRate <= 0 {
		c.ReplenishRate = 10
	}
	if c.BurstCapacity <= 0 {
		c.BurstCapacity = 20
	}
	if c.RequestedTokens <= 0 {
		c.RequestedTokens = 1
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "rate_limit"
	}
	refillFromEmpty := time.Duration(c.BurstCapacity / c.ReplenishRate * float64(time.Second))
	if c.KeyExpiration <= 0 {
		c.KeyExpiration = time.Hour
	}
	if c.KeyExpiration < refillFromEmpty {
		c.KeyExpiration = refillFromEmpty
	}
	if c.RetryAfterSeconds <= 0 {
		c.RetryAfterSeconds = 60
	}
	return c
}

func (c Config) storageKey(id Identity) string {
	return c.KeyPrefix + ":" + id.Scope + ":" + id.Key
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Limiter decides whether a request identified by id may proceed. cost <= 0
// means the configured default. Implementations must be safe for concurrent
// use and must never over-admit a single bucket under concurrency.
type Limiter interface {
	Admit(ctx context.Context, id Identity, cost float64) (Decision, error)
}
