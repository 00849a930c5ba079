package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/biznespilot/governor/pkg/observability"
)

func newTestManager(t *testing.T, shared *redis.Client) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.LocalSize = 100
	return NewManager(cfg, shared, observability.NopLogger())
}

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func counting(calls *atomic.Int64, value string) ComputeFunc {
	return func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte(value), nil
	}
}

func TestComputeOrFetch_Telemetry(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	telemetry, err := observability.NewOTelMetrics()
	require.NoError(t, err)
	m := newTestManager(t, nil).WithTelemetry(telemetry)
	ctx := context.Background()
	var calls atomic.Int64

	for i := 0; i < 3; i++ {
		_, err := m.ComputeOrFetch(ctx, "k", time.Minute, counting(&calls, "a"))
		require.NoError(t, err)
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	var lookups int64
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			if metric.Name != "governor.cache.lookups" {
				continue
			}
			sum, ok := metric.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				lookups += dp.Value
			}
			assert.Len(t, sum.DataPoints, 2, "one miss series, one local hit series")
		}
	}
	assert.Equal(t, int64(3), lookups)
}

func TestComputeOrFetch_Memoizes(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)
	var calls atomic.Int64

	v, err := m.ComputeOrFetch(ctx, "k", time.Minute, counting(&calls, "a"))
	require.NoError(t, err)
	assert.Equal(t, "a", string(v))

	v, err = m.ComputeOrFetch(ctx, "k", time.Minute, counting(&calls, "b"))
	require.NoError(t, err)
	assert.Equal(t, "a", string(v))
	assert.Equal(t, int64(1), calls.Load())

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.LocalHits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 0.001)
}

func TestComputeOrFetch_InvalidTTL(t *testing.T) {
	m := newTestManager(t, nil)
	_, err := m.ComputeOrFetch(context.Background(), "k", 0, counting(new(atomic.Int64), "a"))
	assert.ErrorIs(t, err, ErrInvalidTTL)
}

func TestComputeOrFetch_FailureNotCached(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)
	boom := errors.New("boom")
	var calls atomic.Int64

	_, err := m.ComputeOrFetch(ctx, "k", time.Minute, func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	v, err := m.ComputeOrFetch(ctx, "k", time.Minute, counting(&calls, "ok"))
	require.NoError(t, err)
	assert.Equal(t, "ok", string(v))
	assert.Equal(t, int64(2), calls.Load())
	assert.Equal(t, int64(1), m.Stats().Failures)
}

func TestComputeOrFetch_SingleFlight(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)
	var calls atomic.Int64
	release := make(chan struct{})

	compute := func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte("shared"), nil
	}

	const callers = 20
	var wg sync.WaitGroup
	var started sync.WaitGroup
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		started.Add(1)
		go func(i int) {
			defer wg.Done()
			started.Done()
			v, err := m.ComputeOrFetch(ctx, "k", time.Minute, compute)
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			results[i] = string(v)
		}(i)
	}
	started.Wait()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())
	for i, r := range results {
		assert.Equal(t, "shared", r, "caller %d", i)
	}
}

func TestComputeOrFetch_SingleFlightSharesFailure(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)
	boom := errors.New("boom")
	var calls atomic.Int64
	release := make(chan struct{})

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.ComputeOrFetch(ctx, "k", time.Minute, func(ctx context.Context) ([]byte, error) {
				calls.Add(1)
				<-release
				return nil, boom
			})
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())
	for _, err := range errs {
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, 0, m.Stats().LocalItems)
}

func TestComputeOrFetch_Deadline(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	var calls atomic.Int64

	_, err := m.ComputeOrFetch(ctx, "k", 5*time.Minute, counting(&calls, "v1"))
	require.NoError(t, err)

	now = now.Add(5*time.Minute - time.Second)
	v, _ := m.ComputeOrFetch(ctx, "k", 5*time.Minute, counting(&calls, "v2"))
	assert.Equal(t, "v1", string(v))

	// exactly at the deadline the entry is gone
	now = now.Add(time.Second)
	v, _ = m.ComputeOrFetch(ctx, "k", 5*time.Minute, counting(&calls, "v2"))
	assert.Equal(t, "v2", string(v))
	assert.Equal(t, int64(2), calls.Load())
}

func TestRequestScope(t *testing.T) {
	m := newTestManager(t, nil)
	ctx, scope := WithRequestScope(context.Background())
	var calls atomic.Int64

	_, err := m.ComputeOrFetch(ctx, "k", time.Minute, counting(&calls, "a"))
	require.NoError(t, err)
	assert.Equal(t, 1, scope.Len())

	// request scope answers before the local layer
	m.local.Purge()
	v, err := m.ComputeOrFetch(ctx, "k", time.Minute, counting(&calls, "b"))
	require.NoError(t, err)
	assert.Equal(t, "a", string(v))
	assert.Equal(t, int64(1), m.Stats().RequestHits)

	// a different request does not see it
	other, _ := WithRequestScope(context.Background())
	v, err = m.ComputeOrFetch(other, "k", time.Minute, counting(&calls, "b"))
	require.NoError(t, err)
	assert.Equal(t, "b", string(v))

	scope.Clear()
	assert.Equal(t, 0, scope.Len())
}

func TestInvalidate(t *testing.T) {
	ctx, _ := WithRequestScope(context.Background())
	_, client := setupRedis(t)
	m := newTestManager(t, client)
	var calls atomic.Int64

	_, err := m.ComputeOrFetch(ctx, "k", time.Minute, counting(&calls, "a"))
	require.NoError(t, err)
	require.NoError(t, m.Invalidate(ctx, "k"))

	v, err := m.ComputeOrFetch(ctx, "k", time.Minute, counting(&calls, "b"))
	require.NoError(t, err)
	assert.Equal(t, "b", string(v))
	assert.Equal(t, int64(2), calls.Load())
}

func TestSharedLayer(t *testing.T) {
	ctx := context.Background()
	mr, client := setupRedis(t)
	first := newTestManager(t, client)
	second := newTestManager(t, client)
	var calls atomic.Int64

	_, err := first.ComputeOrFetch(ctx, "tenant:t1:op:abc", TTLDiagnostic, counting(&calls, "a"))
	require.NoError(t, err)
	assert.True(t, mr.Exists("governor:cache:tenant:t1:op:abc"))
	assert.Equal(t, TTLDiagnostic, mr.TTL("governor:cache:tenant:t1:op:abc"))

	// another instance reads through Redis
	v, err := second.ComputeOrFetch(ctx, "tenant:t1:op:abc", TTLDiagnostic, counting(&calls, "b"))
	require.NoError(t, err)
	assert.Equal(t, "a", string(v))
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, int64(1), second.Stats().SharedHits)
}

func TestSharedLayerUnavailable(t *testing.T) {
	ctx := context.Background()
	mr, client := setupRedis(t)
	m := newTestManager(t, client)
	mr.Close()

	v, err := m.ComputeOrFetch(ctx, "k", time.Minute, counting(new(atomic.Int64), "a"))
	require.NoError(t, err)
	assert.Equal(t, "a", string(v))
}

func TestInvalidateTenant(t *testing.T) {
	ctx := context.Background()
	mr, client := setupRedis(t)
	m := newTestManager(t, client)
	var calls atomic.Int64

	for _, key := range []string{"tenant:t1:a:1", "tenant:t1:b:2", "tenant:t2:a:1"} {
		_, err := m.ComputeOrFetch(ctx, key, time.Minute, counting(&calls, key))
		require.NoError(t, err)
	}

	n, err := m.InvalidateTenant(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.False(t, mr.Exists("governor:cache:tenant:t1:a:1"))
	assert.True(t, mr.Exists("governor:cache:tenant:t2:a:1"))
	assert.Equal(t, 1, m.Stats().LocalItems)
}

func TestInvalidateTenant_Isolation(t *testing.T) {
	ctx := context.Background()
	mr, client := setupRedis(t)
	m := newTestManager(t, client)
	var calls atomic.Int64

	keys := map[string]string{}
	for _, tenant := range []string{"a", "a:b", "a*"} {
		key, err := Fingerprint(tenant, "diagnostic.run", nil)
		require.NoError(t, err)
		keys[tenant] = key
		_, err = m.ComputeOrFetch(ctx, key, time.Minute, counting(&calls, tenant))
		require.NoError(t, err)
	}
	assert.Equal(t, "tenant:a%3Ab:", TenantPrefix("a:b"))

	n, err := m.InvalidateTenant(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, mr.Exists("governor:cache:"+keys["a"]))
	assert.True(t, mr.Exists("governor:cache:"+keys["a:b"]))
	assert.True(t, mr.Exists("governor:cache:"+keys["a*"]))
	assert.Equal(t, 2, m.Stats().LocalItems)
}

func TestWarm(t *testing.T) {
	m := newTestManager(t, nil)
	var calls atomic.Int64
	warmed := m.Warm(context.Background(), []WarmEntry{
		{Key: "a", TTL: time.Minute, Compute: counting(&calls, "a")},
		{Key: "b", TTL: time.Minute, Compute: func(ctx context.Context) ([]byte, error) { return nil, errors.New("x") }},
		{Key: "c", TTL: time.Minute, Compute: counting(&calls, "c")},
	})
	assert.Equal(t, 2, warmed)
	assert.Equal(t, 2, m.Stats().LocalItems)
}

func TestFingerprint(t *testing.T) {
	a, err := Fingerprint("t1", "algorithm.health_score", map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	b, err := Fingerprint("t1", "algorithm.health_score", map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Regexp(t, `^tenant:t1:algorithm\.health_score:[0-9a-f]{16}$`, a)

	c, _ := Fingerprint("t2", "algorithm.health_score", map[string]any{"a": 1, "b": 2})
	assert.NotEqual(t, a, c)

	_, err = Fingerprint("t1", "x", func() {})
	assert.Error(t, err)
}

func TestFetch(t *testing.T) {
	type result struct {
		Score int `json:"score"`
	}
	m := newTestManager(t, nil)
	var calls atomic.Int64
	compute := func(ctx context.Context) (result, error) {
		calls.Add(1)
		return result{Score: 87}, nil
	}

	r, err := Fetch(context.Background(), m, "k", time.Minute, compute)
	require.NoError(t, err)
	assert.Equal(t, 87, r.Score)

	r, err = Fetch(context.Background(), m, "k", time.Minute, compute)
	require.NoError(t, err)
	assert.Equal(t, 87, r.Score)
	assert.Equal(t, int64(1), calls.Load())
}
