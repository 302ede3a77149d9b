package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrementScript increments the bucket and starts its expiry on the first
// hit of a window. Redis runs scripts atomically, so the reset (key expiry)
// and increment cannot interleave with another client's request.
var incrementScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisStore shares buckets between instances through Redis. Buckets expire
// with their window, so no sweeping is needed.
type RedisStore struct {
	client redis.Scripter
	prefix string
}

// RedisStoreConfig configures a RedisStore created by NewRedisStore.
type RedisStoreConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces the bucket keys. Default "linkgate:rl:".
	Prefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisStoreConfig) (*RedisStore, *redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewRedisStoreFromClient(client, cfg.Prefix), client, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client redis.Scripter, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "linkgate:rl:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Increment implements Store.
func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (int64, time.Time, error) {
	res, err := incrementScript.Run(ctx, s.client, []string{s.prefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis increment: %w", err)
	}
	if len(res) != 2 {
		return 0, time.Time{}, fmt.Errorf("redis increment: unexpected reply %v", res)
	}
	count, ttl := res[0], time.Duration(res[1])*time.Millisecond
	// The window started where the remaining ttl says it did.
	windowStart := now.Add(ttl - window)
	return count, windowStart, nil
}

var _ Store = (*RedisStore)(nil)
