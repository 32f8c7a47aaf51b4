// Package store provides the Redis and in-memory backends for the shared state store.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/DeclanJeon/ponslink-signal/domain/store"
	"github.com/redis/go-redis/v9"
)

// Atomic scripts. Each runs as a single Redis command so concurrent instances
// never observe a half-applied update.
var (
	hsetCappedScript = redis.NewScript(`
		local key = KEYS[1]
		local field = ARGV[1]
		local value = ARGV[2]
		local capacity = tonumber(ARGV[3])

		if redis.call('HEXISTS', key, field) == 1 or redis.call('HLEN', key) < capacity then
			redis.call('HSET', key, field, value)
			return 1
		end
		return 0
	`)

	decrFloorScript = redis.NewScript(`
		local current = tonumber(redis.call('GET', KEYS[1]) or '0')
		if current == nil or current <= 0 then
			return {0, 0}
		end
		return {redis.call('DECR', KEYS[1]), 1}
	`)

	consumeWindowScript = redis.NewScript(`
		local key = KEYS[1]
		local points = tonumber(ARGV[1])
		local window_ms = tonumber(ARGV[2])
		local block_ms = tonumber(ARGV[3])

		local consumed = redis.call('INCR', key)
		if consumed == 1 or redis.call('PTTL', key) < 0 then
			redis.call('PEXPIRE', key, window_ms)
		end
		-- Only the first point over budget starts the block, later ones must not extend it
		if consumed == points + 1 and block_ms > 0 then
			redis.call('PEXPIRE', key, block_ms)
		end
		return {consumed, redis.call('PTTL', key)}
	`)
)

// Stats tracks command statistics for the Redis backend.
type Stats struct {
	Commands uint64 `json:"commands"`
	Errors   uint64 `json:"errors"`
}

// RedisStore implements store.Store on top of a go-redis client.
type RedisStore struct {
	client *redis.Client
	prefix string
	stats  *Stats
}

// Compile-time interface check
var _ store.Store = (*RedisStore)(nil)

// NewRedisStore creates a Redis-backed store. Every key is namespaced with prefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		stats:  &Stats{},
	}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

// fail records the error and marks it as a store outage.
func (s *RedisStore) fail(op string, err error) error {
	atomic.AddUint64(&s.stats.Errors, 1)
	return fmt.Errorf("redis %s: %w: %w", op, store.ErrUnavailable, err)
}

func (s *RedisStore) count() {
	atomic.AddUint64(&s.stats.Commands, 1)
}

// Ping checks if the Redis connection is healthy.
func (s *RedisStore) Ping(ctx context.Context) error {
	s.count()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return s.fail("ping", err)
	}
	return nil
}

// HGet returns a hash field and whether it exists.
func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	s.count()
	val, err := s.client.HGet(ctx, s.key(key), field).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, s.fail("hget", err)
	}
	return val, true, nil
}

// HSet writes one or more hash fields.
func (s *RedisStore) HSet(ctx context.Context, key string, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	s.count()
	args := make([]any, 0, len(values)*2)
	for f, v := range values {
		args = append(args, f, v)
	}
	if err := s.client.HSet(ctx, s.key(key), args...).Err(); err != nil {
		return s.fail("hset", err)
	}
	return nil
}

// HDel removes hash fields and returns how many existed.
func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	s.count()
	n, err := s.client.HDel(ctx, s.key(key), fields...).Result()
	if err != nil {
		return 0, s.fail("hdel", err)
	}
	return n, nil
}

// HLen returns the number of fields in a hash.
func (s *RedisStore) HLen(ctx context.Context, key string) (int64, error) {
	s.count()
	n, err := s.client.HLen(ctx, s.key(key)).Result()
	if err != nil {
		return 0, s.fail("hlen", err)
	}
	return n, nil
}

// HGetAll returns every field of a hash.
func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.count()
	m, err := s.client.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		return nil, s.fail("hgetall", err)
	}
	return m, nil
}

// HIncrBy increments a hash field.
func (s *RedisStore) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	s.count()
	n, err := s.client.HIncrBy(ctx, s.key(key), field, incr).Result()
	if err != nil {
		return 0, s.fail("hincrby", err)
	}
	return n, nil
}

// HSetCapped conditionally writes a hash field in one atomic step.
func (s *RedisStore) HSetCapped(ctx context.Context, key, field, value string, capacity int) (bool, error) {
	s.count()
	res, err := hsetCappedScript.Run(ctx, s.client, []string{s.key(key)}, field, value, capacity).Int64()
	if err != nil {
		return false, s.fail("hset capped", err)
	}
	return res == 1, nil
}

// Get returns a string value and whether it exists.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.count()
	val, err := s.client.Get(ctx, s.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, s.fail("get", err)
	}
	return val, true, nil
}

// IncrBy increments a counter.
func (s *RedisStore) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	s.count()
	v, err := s.client.IncrBy(ctx, s.key(key), n).Result()
	if err != nil {
		return 0, s.fail("incrby", err)
	}
	return v, nil
}

// DecrFloor decrements a counter without letting it go below zero.
func (s *RedisStore) DecrFloor(ctx context.Context, key string) (int64, bool, error) {
	s.count()
	result, err := decrFloorScript.Run(ctx, s.client, []string{s.key(key)}).Slice()
	if err != nil {
		return 0, false, s.fail("decr floor", err)
	}
	if len(result) < 2 {
		return 0, false, fmt.Errorf("unexpected result length: %d", len(result))
	}
	value, ok := result[0].(int64)
	if !ok {
		return 0, false, fmt.Errorf("unexpected type for value: %T", result[0])
	}
	decremented, ok := result[1].(int64)
	if !ok {
		return 0, false, fmt.Errorf("unexpected type for decremented: %T", result[1])
	}
	return value, decremented == 1, nil
}

// Expire sets a TTL on a key.
func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.count()
	if err := s.client.Expire(ctx, s.key(key), ttl).Err(); err != nil {
		return s.fail("expire", err)
	}
	return nil
}

// Del removes keys.
func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	s.count()
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	if err := s.client.Del(ctx, full...).Err(); err != nil {
		return s.fail("del", err)
	}
	return nil
}

// LPushTrim prepends to a capped list and refreshes its TTL.
func (s *RedisStore) LPushTrim(ctx context.Context, key, value string, maxLen int64, ttl time.Duration) error {
	s.count()
	full := s.key(key)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, full, value)
		pipe.LTrim(ctx, full, 0, maxLen-1)
		pipe.Expire(ctx, full, ttl)
		return nil
	})
	if err != nil {
		return s.fail("lpush", err)
	}
	return nil
}

// LRange returns a slice of a list.
func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	s.count()
	values, err := s.client.LRange(ctx, s.key(key), start, stop).Result()
	if err != nil {
		return nil, s.fail("lrange", err)
	}
	return values, nil
}

// Scan lists keys with the given prefix, without the store namespace.
func (s *RedisStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	pattern := s.key(prefix) + "*"

	var (
		cursor uint64
		found  []string
	)
	for {
		s.count()
		keys, nextCursor, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, s.fail("scan", err)
		}
		for _, k := range keys {
			found = append(found, strings.TrimPrefix(k, s.prefix))
		}

		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}
	return found, nil
}

// ConsumeWindow runs the fixed window script.
func (s *RedisStore) ConsumeWindow(ctx context.Context, key string, points int64, window, block time.Duration) (store.WindowResult, error) {
	s.count()
	result, err := consumeWindowScript.Run(ctx, s.client, []string{s.key(key)},
		points,
		window.Milliseconds(),
		block.Milliseconds(),
	).Slice()
	if err != nil {
		return store.WindowResult{}, s.fail("consume window", err)
	}

	// Safely extract results with type checks
	if len(result) < 2 {
		return store.WindowResult{}, fmt.Errorf("unexpected result length: %d", len(result))
	}
	consumed, ok := result[0].(int64)
	if !ok {
		return store.WindowResult{}, fmt.Errorf("unexpected type for consumed: %T", result[0])
	}
	ttlMs, ok := result[1].(int64)
	if !ok {
		return store.WindowResult{}, fmt.Errorf("unexpected type for ttl: %T", result[1])
	}
	if ttlMs < 0 {
		ttlMs = 0
	}

	return store.WindowResult{
		Consumed: consumed,
		TTL:      time.Duration(ttlMs) * time.Millisecond,
	}, nil
}

// GetStats returns a snapshot of the command statistics.
func (s *RedisStore) GetStats() Stats {
	return Stats{
		Commands: atomic.LoadUint64(&s.stats.Commands),
		Errors:   atomic.LoadUint64(&s.stats.Errors),
	}
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
