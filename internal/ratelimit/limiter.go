package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"petify-core/internal/kvstore"
)

// ErrContended is returned when the compare-and-swap budget is exhausted
// without landing a write. Callers treat it as a rejection (fail closed).
var ErrContended = errors.New("rate limit bucket contended")

const casAttempts = 3

// BucketLimiter runs the token-bucket algorithm against any kvstore.Store
// using a bounded compare-and-swap loop. It backs tests and single-instance
// deployments; RedisLimiter is the production path with a single server-side
// atomic script.
type BucketLimiter struct {
	store kvstore.Store
	cfg   Config
	now   func() time.Time
}

func NewBucketLimiter(store kvstore.Store, cfg Config) *BucketLimiter {
	return &BucketLimiter{
		store: store,
		cfg:   cfg.withDefaults(),
		now:   time.Now,
	}
}

func (l *BucketLimiter) Admit(ctx context.Context, id Identity, cost float64) (Decision, error) {
	if cost <= 0 {
		cost = l.cfg.RequestedTokens
	}
	key := l.cfg.storageKey(id)

	for attempt := 0; attempt < casAttempts; attempt++ {
		raw, found, err := l.store.Get(ctx, key)
		if err != nil {
			return Decision{}, fmt.Errorf("read bucket: %w", err)
		}

		now := l.now()
		tokens := l.cfg.BurstCapacity
		last := now
		if found {
			if t, at, decodeErr := decodeBucket(raw); decodeErr == nil {
				tokens, last = t, at
			}
		}

		elapsed := now.Sub(last).Seconds()
		if elapsed < 0 {
			elapsed = 0
		}
		refilled := tokens + elapsed*l.cfg.ReplenishRate
		if refilled > l.cfg.BurstCapacity {
			refilled = l.cfg.BurstCapacity
		}

		allowed := refilled >= cost
		next := refilled
		if allowed {
			next = refilled - cost
		}

		old := ""
		if found {
			old = raw
		}
		applied, err := l.store.CompareAndSwap(ctx, key, old, encodeBucket(next, now), l.cfg.KeyExpiration)
		if err != nil {
			return Decision{}, fmt.Errorf("write bucket: %w", err)
		}
		if !applied {
			// Lost the race against a concurrent caller; re-read and retry.
			continue
		}

		return l.decision(allowed, next, cost, now), nil
	}

	return Decision{}, ErrContended
}

func (l *BucketLimiter) decision(allowed bool, remaining, cost float64, now time.Time) Decision {
	if allowed {
		return Decision{Allowed: true, Remaining: remaining, ResetAt: now}
	}

	deficit := cost - remaining
	retryAfter := time.Duration(deficit / l.cfg.ReplenishRate * float64(time.Second))
	if retryAfter < time.Second {
		retryAfter = time.Second
	}

	return Decision{
		Allowed:    false,
		Remaining:  remaining,
		RetryAfter: retryAfter,
		ResetAt:    now.Add(retryAfter),
	}
}

func encodeBucket(tokens float64, at time.Time) string {
	return strconv.FormatFloat(tokens, 'f', -1, 64) + "|" + strconv.FormatInt(at.UnixMicro(), 10)
}

func decodeBucket(raw string) (float64, time.Time, error) {
	tokensPart, atPart, ok := strings.Cut(raw, "|")
	if !ok {
		return 0, time.Time{}, fmt.Errorf("malformed bucket state %q", raw)
	}

	tokens, err := strconv.ParseFloat(tokensPart, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("parse bucket tokens: %w", err)
	}
	micros, err := strconv.ParseInt(atPart, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("parse bucket refill time: %w", err)
	}

	return tokens, time.UnixMicro(micros), nil
}
