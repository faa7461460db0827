// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// redisCASScript swaps a counter atomically.
// KEYS[1] = counter key
// ARGV[1] = expected value (missing key counts as 0)
// ARGV[2] = new value
var redisCASScript = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
if cur == tonumber(ARGV[1]) then
    redis.call("SET", KEYS[1], ARGV[2])
    return 1
end
return 0
`)

// RedisStore is a CounterStore shared across processes through Redis.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps an existing client. prefix namespaces every key.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// NewRedisStoreFromAddr dials a single Redis node.
func NewRedisStoreFromAddr(addr, password string, db int, prefix string) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisStore(rdb, prefix)
}

func (s *RedisStore) key(k string) string { return s.prefix + k }

// Get implements CounterStore.
func (s *RedisStore) Get(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Get(ctx, s.key(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, nil
}

// Add implements CounterStore.
func (s *RedisStore) Add(ctx context.Context, key string, delta int64) (int64, error) {
	v, err := s.client.IncrBy(ctx, s.key(key), delta).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incrby %s: %w", key, err)
	}
	return v, nil
}

// Set implements CounterStore.
func (s *RedisStore) Set(ctx context.Context, key string, v int64) error {
	if err := s.client.Set(ctx, s.key(key), v, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// CompareAndSwap implements CounterStore.
func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, old, next int64) (bool, error) {
	res, err := redisCASScript.Run(ctx, s.client, []string{s.key(key)}, old, next).Int64()
	if err != nil {
		return false, fmt.Errorf("redis cas %s: %w", key, err)
	}
	return res == 1, nil
}

// Delete implements CounterStore.
func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	if err := s.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error { return s.client.Close() }

var _ CounterStore = (*RedisStore)(nil)
