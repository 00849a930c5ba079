package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/biznespilot/governor/pkg/observability"
)

// acquireScript admits a request when the window has room. The window TTL is
// set only when the key is created, so windows never slide.
// Returns {admitted, count, pttl}.
var acquireScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= limit then
	return {0, current, redis.call('PTTL', KEYS[1])}
end
current = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], window)
	ttl = window
end
return {1, current, ttl}
`)

// RedisLimiter shares windows across instances through Redis
type RedisLimiter struct {
	client *redis.Client
	config Config
	logger *observability.Logger
	// OnError is called when Redis fails; used for metrics
	OnError func(error)
}

// NewRedisLimiter creates a Redis-backed limiter
func NewRedisLimiter(client *redis.Client, config Config, logger *observability.Logger) *RedisLimiter {
	return &RedisLimiter{client: client, config: config, logger: logger}
}

// TryAcquire consumes one slot of the tenant's class window
func (l *RedisLimiter) TryAcquire(ctx context.Context, tenantID string, class Class) error {
	limit := l.config.LimitFor(class)
	key := Key(tenantID, class)

	res, err := acquireScript.Run(ctx, l.client, []string{key}, limit.Requests, limit.Window.Milliseconds()).Slice()
	if err != nil {
		if l.OnError != nil {
			l.OnError(err)
		}
		if l.config.FailOpen {
			l.logger.WithError(err).WithField("key", key).Warn("rate limiter unavailable, admitting request")
			return nil
		}
		return fmt.Errorf("rate limiter unavailable: %w", err)
	}
	if len(res) != 3 {
		return fmt.Errorf("unexpected rate limiter reply %v", res)
	}

	admitted, _ := res[0].(int64)
	if admitted == 1 {
		return nil
	}
	pttl, _ := res[2].(int64)
	wait := time.Duration(pttl) * time.Millisecond
	if pttl < 0 {
		wait = limit.Window
	}
	return limited(class, wait)
}

// Remaining returns slots left in the current window
func (l *RedisLimiter) Remaining(ctx context.Context, tenantID string, class Class) (int, error) {
	limit := l.config.LimitFor(class)
	count, err := l.client.Get(ctx, Key(tenantID, class)).Int()
	if errors.Is(err, redis.Nil) {
		return limit.Requests, nil
	}
	if err != nil {
		return 0, err
	}
	return max(0, limit.Requests-count), nil
}

// AvailableIn returns the time until the window resets
func (l *RedisLimiter) AvailableIn(ctx context.Context, tenantID string, class Class) (time.Duration, error) {
	ttl, err := l.client.PTTL(ctx, Key(tenantID, class)).Result()
	if err != nil {
		return 0, err
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// Reset clears a window
func (l *RedisLimiter) Reset(ctx context.Context, tenantID string, class Class) error {
	return l.client.Del(ctx, Key(tenantID, class)).Err()
}

// HealthCheck pings Redis
func (l *RedisLimiter) HealthCheck(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
