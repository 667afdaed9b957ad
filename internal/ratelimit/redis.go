package ratelimit

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed token_bucket.lua
var tokenBucketLua string

var tokenBucketScript = redis.NewScript(tokenBucketLua)

// RedisLimiter runs the whole read-refill-decide-write cycle as one Redis
// script, so concurrent callers against the same bucket serialize on the
// server and never over-admit.
type RedisLimiter struct {
	client  *redis.Client
	cfg     Config
	timeout time.Duration
	now     func() time.Time
}

type RedisLimiterOption func(*RedisLimiter)

// WithTimeout bounds each admission round trip (default 2s).
func WithTimeout(d time.Duration) RedisLimiterOption {
	return func(l *RedisLimiter) {
		if d > 0 {
			l.timeout = d
		}
	}
}

func NewRedisLimiter(client *redis.Client, cfg Config, opts ...RedisLimiterOption) (*RedisLimiter, error) {
	l := &RedisLimiter{
		client:  client,
		cfg:     cfg.withDefaults(),
		timeout: 2 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if err := tokenBucketScript.Load(ctx, client).Err(); err != nil {
		return nil, fmt.Errorf("load token bucket script: %w", err)
	}

	return l, nil
}

func (l *RedisLimiter) Admit(ctx context.Context, id Identity, cost float64) (Decision, error) {
	if cost <= 0 {
		cost = l.cfg.RequestedTokens
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	now := l.now()
	nowSeconds := float64(now.UnixMicro()) / 1e6

	reply, err := tokenBucketScript.Run(ctx, l.client,
		[]string{l.cfg.storageKey(id)},
		l.cfg.ReplenishRate,
		l.cfg.BurstCapacity,
		nowSeconds,
		cost,
		l.cfg.KeyExpiration.Milliseconds(),
	).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("run token bucket script: %w", err)
	}

	values, ok := reply.([]interface{})
	if !ok || len(values) != 3 {
		return Decision{}, fmt.Errorf("unexpected token bucket reply %v", reply)
	}

	allowed, _ := values[0].(int64)
	remaining := replyFloat(values[1])
	retryAfter := time.Duration(replyFloat(values[2]) * float64(time.Second))

	dec := Decision{
		Allowed:   allowed == 1,
		Remaining: remaining,
		ResetAt:   now,
	}
	if !dec.Allowed {
		dec.RetryAfter = retryAfter
		dec.ResetAt = now.Add(retryAfter)
	}

	return dec, nil
}

func replyFloat(value interface{}) float64 {
	switch v := value.(type) {
	case int64:
		return float64(v)
	case float64:
		return v
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	default:
		return 0
	}
}
