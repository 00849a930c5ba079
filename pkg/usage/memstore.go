package usage

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
)

// MemoryStore keeps counters in process. Each key owns an atomic counter;
// conditional increments use a compare-and-swap loop.
type MemoryStore struct {
	counters sync.Map // Key -> *atomic.Int64
}

// NewMemoryStore creates an empty in-memory usage store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) counter(key Key) *atomic.Int64 {
	if c, ok := m.counters.Load(key); ok {
		return c.(*atomic.Int64)
	}
	c, _ := m.counters.LoadOrStore(key, new(atomic.Int64))
	return c.(*atomic.Int64)
}

func (m *MemoryStore) Get(_ context.Context, key Key) (int64, error) {
	if c, ok := m.counters.Load(key); ok {
		return c.(*atomic.Int64).Load(), nil
	}
	return 0, nil
}

func (m *MemoryStore) Increment(_ context.Context, key Key, delta int64) (int64, error) {
	if err := validDelta(delta); err != nil {
		return 0, err
	}
	return m.counter(key).Add(delta), nil
}

func (m *MemoryStore) IncrementIfBelow(_ context.Context, key Key, delta, limit int64) (int64, bool, error) {
	if err := validDelta(delta); err != nil {
		return 0, false, err
	}
	c := m.counter(key)
	for {
		current := c.Load()
		if current+delta > limit {
			return current, false, nil
		}
		if c.CompareAndSwap(current, current+delta) {
			return current + delta, true, nil
		}
	}
}

func (m *MemoryStore) Decrement(_ context.Context, key Key, delta int64) (int64, error) {
	if err := validDelta(delta); err != nil {
		return 0, err
	}
	c := m.counter(key)
	for {
		current := c.Load()
		next := current - delta
		if next < 0 {
			next = 0
		}
		if c.CompareAndSwap(current, next) {
			return next, nil
		}
	}
}

func (m *MemoryStore) List(_ context.Context, period string) ([]Counter, error) {
	var out []Counter
	m.counters.Range(func(k, v any) bool {
		key := k.(Key)
		if key.Period == period {
			out = append(out, Counter{Key: key, Count: v.(*atomic.Int64).Load()})
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].Limit < out[j].Limit
	})
	return out, nil
}

func (m *MemoryStore) Prune(_ context.Context, before string) (int64, error) {
	var n int64
	m.counters.Range(func(k, _ any) bool {
		key := k.(Key)
		if key.Period != Lifetime && key.Period < before {
			m.counters.Delete(k)
			n++
		}
		return true
	})
	return n, nil
}
