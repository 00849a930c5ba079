// Package cache memoizes expensive computations at two scopes: a request
// scope that lives for one HTTP request, and a cross-request scope made of a
// local expirable LRU with an optional shared Redis layer.
//
// Concurrent callers for the same key share one computation. Failed
// computations are never stored, and no entry is served past its deadline.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/biznespilot/governor/pkg/observability"
)

// TTL presets by result kind
const (
	TTLDiagnostic = 5 * time.Minute
	TTLAlgorithm  = 30 * time.Minute
	TTLMetrics    = time.Hour
	TTLBenchmark  = 24 * time.Hour
)

// ErrInvalidTTL is returned for non-positive TTLs
var ErrInvalidTTL = errors.New("ttl must be positive")

// ComputeFunc produces the value for a key
type ComputeFunc func(ctx context.Context) ([]byte, error)

// Config configures a Manager
type Config struct {
	// LocalSize bounds the number of local entries
	LocalSize int
	// MaxTTL caps entry lifetime in the local layer
	MaxTTL time.Duration
	// Prefix namespaces keys in Redis
	Prefix string
	// SlowThreshold logs computations slower than this
	SlowThreshold time.Duration
}

// DefaultConfig returns the default cache configuration
func DefaultConfig() Config {
	return Config{
		LocalSize:     10000,
		MaxTTL:        TTLBenchmark,
		Prefix:        "governor:cache:",
		SlowThreshold: 500 * time.Millisecond,
	}
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Manager is the two-scope cache
type Manager struct {
	config Config
	local  *lru.LRU[string, entry]
	shared *redis.Client
	group  singleflight.Group
	logger *observability.Logger
	otel   *observability.OTelMetrics
	now    func() time.Time

	requestHits atomic.Int64
	localHits   atomic.Int64
	sharedHits  atomic.Int64
	misses      atomic.Int64
	computes    atomic.Int64
	failures    atomic.Int64
	slow        atomic.Int64
}

// NewManager creates a cache. shared may be nil for a single-instance deployment.
func NewManager(config Config, shared *redis.Client, logger *observability.Logger) *Manager {
	if config.LocalSize <= 0 {
		config.LocalSize = DefaultConfig().LocalSize
	}
	if config.MaxTTL <= 0 {
		config.MaxTTL = TTLBenchmark
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Manager{
		config: config,
		local:  lru.NewLRU[string, entry](config.LocalSize, nil, config.MaxTTL),
		shared: shared,
		logger: logger,
		now:    time.Now,
	}
}

// WithTelemetry reports every lookup to t as well. t may be nil.
func (m *Manager) WithTelemetry(t *observability.OTelMetrics) *Manager {
	m.otel = t
	return m
}

// ComputeOrFetch returns the cached value of key, computing and storing it on
// a miss. Lookups go request scope, local layer, then shared layer.
func (m *Manager) ComputeOrFetch(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) ([]byte, error) {
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	scope := scopeFrom(ctx)

	if scope != nil {
		if v, ok := scope.get(key, m.now()); ok {
			m.requestHits.Add(1)
			m.otel.RecordCacheLookup(ctx, "request", true)
			return v, nil
		}
	}
	if e, ok := m.localGet(key); ok {
		m.localHits.Add(1)
		m.otel.RecordCacheLookup(ctx, "local", true)
		scope.set(key, e)
		return e.value, nil
	}

	res, err, _ := m.group.Do(key, func() (any, error) {
		// another flight may have filled the local layer meanwhile
		if e, ok := m.localGet(key); ok {
			m.localHits.Add(1)
			m.otel.RecordCacheLookup(ctx, "local", true)
			return e, nil
		}
		if e, ok := m.sharedGet(ctx, key); ok {
			m.sharedHits.Add(1)
			m.otel.RecordCacheLookup(ctx, "shared", true)
			m.local.Add(key, e)
			return e, nil
		}

		m.misses.Add(1)
		m.otel.RecordCacheLookup(ctx, "", false)
		m.computes.Add(1)
		start := m.now()
		value, err := compute(ctx)
		elapsed := m.now().Sub(start)
		if m.config.SlowThreshold > 0 && elapsed > m.config.SlowThreshold {
			m.slow.Add(1)
			m.logger.WithFields(map[string]any{
				"key":         key,
				"duration_ms": elapsed.Milliseconds(),
			}).Warn("slow cache computation")
		}
		if err != nil {
			m.failures.Add(1)
			return nil, err
		}

		e := entry{value: value, expiresAt: m.now().Add(ttl)}
		m.local.Add(key, e)
		m.sharedSet(ctx, key, value, ttl)
		return e, nil
	})
	if err != nil {
		return nil, err
	}

	e := res.(entry)
	scope.set(key, e)
	return e.value, nil
}

func (m *Manager) localGet(key string) (entry, bool) {
	e, ok := m.local.Get(key)
	if !ok {
		return entry{}, false
	}
	if !m.now().Before(e.expiresAt) {
		m.local.Remove(key)
		return entry{}, false
	}
	return e, true
}

func (m *Manager) sharedGet(ctx context.Context, key string) (entry, bool) {
	if m.shared == nil {
		return entry{}, false
	}
	pipe := m.shared.Pipeline()
	get := pipe.Get(ctx, m.config.Prefix+key)
	ttl := pipe.PTTL(ctx, m.config.Prefix+key)
	if _, err := pipe.Exec(ctx); err != nil {
		if !errors.Is(err, redis.Nil) {
			m.logger.WithError(err).WithField("key", key).Warn("shared cache read failed")
		}
		return entry{}, false
	}
	value, err := get.Bytes()
	if err != nil || ttl.Val() <= 0 {
		return entry{}, false
	}
	return entry{value: value, expiresAt: m.now().Add(ttl.Val())}, true
}

func (m *Manager) sharedSet(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if m.shared == nil {
		return
	}
	if err := m.shared.Set(ctx, m.config.Prefix+key, value, ttl).Err(); err != nil {
		m.logger.WithError(err).WithField("key", key).Warn("shared cache write failed")
	}
}

// Invalidate removes key from every layer
func (m *Manager) Invalidate(ctx context.Context, key string) error {
	m.group.Forget(key)
	m.local.Remove(key)
	if scope := scopeFrom(ctx); scope != nil {
		scope.remove(key)
	}
	if m.shared == nil {
		return nil
	}
	if err := m.shared.Del(ctx, m.config.Prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to invalidate %s: %w", key, err)
	}
	return nil
}

// InvalidateTenant removes every entry keyed under the tenant
func (m *Manager) InvalidateTenant(ctx context.Context, tenantID string) (int, error) {
	return m.InvalidatePrefix(ctx, TenantPrefix(tenantID))
}

// InvalidatePrefix removes every entry whose key starts with prefix
func (m *Manager) InvalidatePrefix(ctx context.Context, prefix string) (int, error) {
	removed := 0
	for _, key := range m.local.Keys() {
		if strings.HasPrefix(key, prefix) {
			m.group.Forget(key)
			if m.local.Remove(key) {
				removed++
			}
		}
	}
	if scope := scopeFrom(ctx); scope != nil {
		scope.removePrefix(prefix)
	}
	if m.shared == nil {
		return removed, nil
	}

	var keys []string
	iter := m.shared.Scan(ctx, 0, m.config.Prefix+prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("failed to scan cache keys: %w", err)
	}
	if len(keys) > 0 {
		n, err := m.shared.Del(ctx, keys...).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to delete cache keys: %w", err)
		}
		if int(n) > removed {
			removed = int(n)
		}
	}
	return removed, nil
}

// WarmEntry is a key to precompute
type WarmEntry struct {
	Key     string
	TTL     time.Duration
	Compute ComputeFunc
}

// Warm precomputes entries, returning how many are now cached. Failures are
// logged and skipped.
func (m *Manager) Warm(ctx context.Context, entries []WarmEntry) int {
	warmed := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		if _, err := m.ComputeOrFetch(ctx, e.Key, e.TTL, e.Compute); err != nil {
			m.logger.WithError(err).WithField("key", e.Key).Warn("cache warm failed")
			continue
		}
		warmed++
	}
	return warmed
}

// Stats is a snapshot of cache counters
type Stats struct {
	RequestHits int64   `json:"request_hits"`
	LocalHits   int64   `json:"local_hits"`
	SharedHits  int64   `json:"shared_hits"`
	Misses      int64   `json:"misses"`
	Computes    int64   `json:"computes"`
	Failures    int64   `json:"failures"`
	Slow        int64   `json:"slow_computes"`
	LocalItems  int     `json:"local_items"`
	HitRate     float64 `json:"hit_rate"`
}

// Stats returns the cache counters
func (m *Manager) Stats() Stats {
	s := Stats{
		RequestHits: m.requestHits.Load(),
		LocalHits:   m.localHits.Load(),
		SharedHits:  m.sharedHits.Load(),
		Misses:      m.misses.Load(),
		Computes:    m.computes.Load(),
		Failures:    m.failures.Load(),
		Slow:        m.slow.Load(),
		LocalItems:  m.local.Len(),
	}
	hits := s.RequestHits + s.LocalHits + s.SharedHits
	if total := hits + s.Misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}
