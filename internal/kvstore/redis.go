package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultOpTimeout = 2 * time.Second

// incrementScript bumps the counter and anchors the TTL at creation, in a
// single server-side step.
var incrementScript = redis.NewScript(`
local value = redis.call('INCR', KEYS[1])
if value == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return value
`)

// casScript implements compare-and-swap. An empty expected value means the
// key must not exist yet.
var casScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if (current == false and ARGV[1] == '') or current == ARGV[1] then
	redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
	return 1
end
return 0
`)

// RedisStore implements Store on a Redis instance shared by all request
// handling processes. Every operation runs under a bounded timeout so a
// slow Redis never stalls a request indefinitely.
type RedisStore struct {
	client  *redis.Client
	timeout time.Duration
}

type RedisOption func(*RedisStore)

// WithOpTimeout bounds each Redis round trip (default 2s).
func WithOpTimeout(d time.Duration) RedisOption {
	return func(s *RedisStore) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func NewRedisStore(client *redis.Client, opts ...RedisOption) (*RedisStore, error) {
	s := &RedisStore{client: client, timeout: defaultOpTimeout}
	for _, opt := range opts {
		opt(s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return s, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	value, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, storeErr("get "+key, err)
	}

	return value, true, nil
}

func (s *RedisStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return storeErr("set "+key, err)
	}

	return nil
}

func (s *RedisStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	value, err := incrementScript.Run(ctx, s.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, storeErr("increment "+key, err)
	}

	return value, nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, key, old, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	applied, err := casScript.Run(ctx, s.client, []string{key}, old, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, storeErr("cas "+key, err)
	}

	return applied == 1, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if err := s.client.Del(ctx, key).Err(); err != nil {
		return storeErr("delete "+key, err)
	}

	return nil
}

func (s *RedisStore) DeleteByPrefix(ctx context.Context, prefix string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return storeErr("scan "+prefix, err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return storeErr("delete by prefix "+prefix, err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	count, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, storeErr("exists "+key, err)
	}

	return count > 0, nil
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	remaining, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, false, storeErr("ttl "+key, err)
	}

	// PTTL reports -2 for a missing key and -1 for a key without an expiry;
	// the client passes those through unscaled.
	switch {
	case remaining == time.Duration(-2):
		return 0, false, nil
	case remaining < 0:
		return 0, true, nil
	}

	return remaining, true, nil
}

func (s *RedisStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %s", op, ErrUnavailable, err)
}
