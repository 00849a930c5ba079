package usage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// Counters are stored as usage:{period}:{tenant}:{limit}. Monthly counters
// expire after MonthlyRetention so old periods clean themselves up.
const (
	redisKeyPrefix   = "usage:"
	MonthlyRetention = 100 * 24 * time.Hour
)

// incrementScript adds ARGV[1] to KEYS[1] unless ARGV[2] >= 0 and the result
// would exceed it. New monthly counters get the TTL in ARGV[3] (seconds).
// Returns {value, applied}.
var incrementScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local delta = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
if limit >= 0 and current + delta > limit then
	return {current, 0}
end
local value = redis.call('INCRBY', KEYS[1], delta)
local ttl = tonumber(ARGV[3])
if ttl > 0 and redis.call('TTL', KEYS[1]) < 0 then
	redis.call('EXPIRE', KEYS[1], ttl)
end
return {value, 1}
`)

var decrementScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current == 0 then
	return 0
end
local value = current - tonumber(ARGV[1])
if value < 0 then
	value = 0
end
redis.call('SET', KEYS[1], value, 'KEEPTTL')
return value
`)

// RedisStore keeps counters in Redis. Atomicity per key comes from running
// each read-modify-write as a single Lua script.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed usage store
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(key Key) string {
	return redisKeyPrefix + key.Period + ":" + key.TenantID + ":" + key.Limit
}

func ttlFor(key Key) int64 {
	if key.Period == Lifetime {
		return 0
	}
	return int64(MonthlyRetention / time.Second)
}

// Get returns the counter value
func (s *RedisStore) Get(ctx context.Context, key Key) (int64, error) {
	v, err := s.client.Get(ctx, redisKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get usage %s: %w", key, err)
	}
	return v, nil
}

// Increment adds delta unconditionally
func (s *RedisStore) Increment(ctx context.Context, key Key, delta int64) (int64, error) {
	value, _, err := s.run(ctx, key, delta, -1)
	return value, err
}

// IncrementIfBelow adds delta when the result stays within limit
func (s *RedisStore) IncrementIfBelow(ctx context.Context, key Key, delta, limit int64) (int64, bool, error) {
	if limit < 0 {
		limit = 0
	}
	return s.run(ctx, key, delta, limit)
}

func (s *RedisStore) run(ctx context.Context, key Key, delta, limit int64) (int64, bool, error) {
	if err := validDelta(delta); err != nil {
		return 0, false, err
	}
	res, err := incrementScript.Run(ctx, s.client, []string{redisKey(key)}, delta, limit, ttlFor(key)).Slice()
	if err != nil {
		return 0, false, fmt.Errorf("failed to increment usage %s: %w", key, err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("unexpected increment reply %v", res)
	}
	value, _ := res[0].(int64)
	applied, _ := res[1].(int64)
	return value, applied == 1, nil
}

// Decrement subtracts delta, flooring at zero
func (s *RedisStore) Decrement(ctx context.Context, key Key, delta int64) (int64, error) {
	if err := validDelta(delta); err != nil {
		return 0, err
	}
	v, err := decrementScript.Run(ctx, s.client, []string{redisKey(key)}, delta).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to decrement usage %s: %w", key, err)
	}
	return v, nil
}

// List scans all counters of a period
func (s *RedisStore) List(ctx context.Context, period string) ([]Counter, error) {
	prefix := redisKeyPrefix + period + ":"
	var counters []Counter

	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		rest := strings.TrimPrefix(iter.Val(), prefix)
		idx := strings.LastIndex(rest, ":")
		if idx <= 0 {
			continue
		}
		raw, err := s.client.Get(ctx, iter.Val()).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read usage %s: %w", iter.Val(), err)
		}
		count, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt usage value at %s: %w", iter.Val(), err)
		}
		counters = append(counters, Counter{
			Key:   Key{TenantID: rest[:idx], Limit: rest[idx+1:], Period: period},
			Count: count,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan usage: %w", err)
	}
	return counters, nil
}

// Prune is a no-op: monthly keys carry a TTL
func (s *RedisStore) Prune(_ context.Context, _ string) (int64, error) {
	return 0, nil
}
