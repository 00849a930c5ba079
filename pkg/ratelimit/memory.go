package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	mu     sync.Mutex
	start  time.Time
	length time.Duration
	count  int
	// set once Cleanup removed the window from the map
	dropped bool
}

// MemoryLimiter keeps fixed windows in process. Each key has its own mutex;
// no lock spans keys.
type MemoryLimiter struct {
	config  Config
	windows sync.Map // key -> *window
	now     func() time.Time
}

// NewMemoryLimiter creates an in-memory limiter
func NewMemoryLimiter(config Config) *MemoryLimiter {
	return &MemoryLimiter{config: config, now: time.Now}
}

func (l *MemoryLimiter) window(key string) *window {
	if w, ok := l.windows.Load(key); ok {
		return w.(*window)
	}
	w, _ := l.windows.LoadOrStore(key, &window{})
	return w.(*window)
}

// roll starts a new window when the current one has elapsed. Caller holds w.mu.
func (w *window) roll(now time.Time, length time.Duration) {
	if w.start.IsZero() || !now.Before(w.start.Add(length)) {
		w.start = now
		w.count = 0
	}
	w.length = length
}

// ended reports whether the window closed at least grace before now.
// Caller holds w.mu.
func (w *window) ended(now time.Time, grace time.Duration) bool {
	return w.start.IsZero() || now.Sub(w.start.Add(w.length)) >= grace
}

// lock returns the live window for key with its mutex held
func (l *MemoryLimiter) lock(key string) *window {
	for {
		w := l.window(key)
		w.mu.Lock()
		if !w.dropped {
			return w
		}
		w.mu.Unlock()
	}
}

// TryAcquire consumes one slot of the tenant's class window
func (l *MemoryLimiter) TryAcquire(_ context.Context, tenantID string, class Class) error {
	limit := l.config.LimitFor(class)
	w := l.lock(Key(tenantID, class))
	defer w.mu.Unlock()
	now := l.now()

	w.roll(now, limit.Window)
	if w.count >= limit.Requests {
		return limited(class, w.start.Add(limit.Window).Sub(now))
	}
	w.count++
	return nil
}

// Remaining returns slots left in the current window
func (l *MemoryLimiter) Remaining(_ context.Context, tenantID string, class Class) (int, error) {
	limit := l.config.LimitFor(class)
	v, ok := l.windows.Load(Key(tenantID, class))
	if !ok {
		return limit.Requests, nil
	}
	w := v.(*window)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.roll(l.now(), limit.Window)
	return max(0, limit.Requests-w.count), nil
}

// AvailableIn returns the time until the window resets, zero when idle
func (l *MemoryLimiter) AvailableIn(_ context.Context, tenantID string, class Class) (time.Duration, error) {
	limit := l.config.LimitFor(class)
	v, ok := l.windows.Load(Key(tenantID, class))
	if !ok {
		return 0, nil
	}
	w := v.(*window)
	w.mu.Lock()
	defer w.mu.Unlock()
	now := l.now()
	if w.start.IsZero() || !now.Before(w.start.Add(limit.Window)) {
		return 0, nil
	}
	return w.start.Add(limit.Window).Sub(now), nil
}

// Reset clears a window
func (l *MemoryLimiter) Reset(_ context.Context, tenantID string, class Class) error {
	l.windows.Delete(Key(tenantID, class))
	return nil
}

// Cleanup drops windows that ended at least grace ago. A window still
// open is kept whatever its length, so its count survives until it rolls.
func (l *MemoryLimiter) Cleanup(grace time.Duration) {
	now := l.now()
	l.windows.Range(func(k, v any) bool {
		w := v.(*window)
		w.mu.Lock()
		if w.ended(now, grace) {
			w.dropped = true
			l.windows.Delete(k)
		}
		w.mu.Unlock()
		return true
	})
}

// StartCleanup runs Cleanup every interval until ctx is done
func (l *MemoryLimiter) StartCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Cleanup(interval)
			}
		}
	}()
}
