package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/biznespilot/governor/pkg/async"
	"github.com/biznespilot/governor/pkg/observability"
)

// ErrBusClosed is returned by Publish after Close
var ErrBusClosed = errors.New("event bus closed")

// Handler processes one event. A returned error is logged and counted; it
// never reaches the publisher or other handlers.
type Handler func(ctx context.Context, e Event) error

type subscription struct {
	name    string
	handler Handler
}

// Config tunes the handler pool
type Config struct {
	Workers        int
	Buffer         int
	HandlerTimeout time.Duration
}

// DefaultConfig returns the default bus configuration
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		Buffer:         256,
		HandlerTimeout: 10 * time.Second,
	}
}

// Bus dispatches events to handlers registered per event type. Each handler
// runs as its own task on a bounded worker pool.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]subscription

	pool    *async.WorkerPool
	logger  *observability.Logger
	metrics *observability.Metrics
	pending sync.WaitGroup
}

// NewBus starts the handler pool. metrics may be nil.
func NewBus(config Config, logger *observability.Logger, metrics *observability.Metrics) *Bus {
	def := DefaultConfig()
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.Buffer <= 0 {
		config.Buffer = def.Buffer
	}
	if config.HandlerTimeout <= 0 {
		config.HandlerTimeout = def.HandlerTimeout
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &Bus{
		handlers: make(map[Type][]subscription),
		pool:     async.NewWorkerPool(context.Background(), logger, config.Workers, "event handlers", config.HandlerTimeout, config.Buffer),
		logger:   logger,
		metrics:  metrics,
	}
}

// Subscribe registers handler for events of type t. name identifies the
// handler in logs and metrics.
func (b *Bus) Subscribe(t Type, name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], subscription{name: name, handler: handler})
}

// On registers a handler typed to one concrete event.
//
//	events.On(bus, "notify-owner", func(ctx context.Context, e events.QuotaThresholdReached) error {
//	    return notifier.Send(ctx, e.TenantID, e.LimitKey)
//	})
func On[E Event](b *Bus, name string, fn func(ctx context.Context, e E) error) {
	var zero E
	b.Subscribe(zero.Type(), name, func(ctx context.Context, e Event) error {
		typed, ok := e.(E)
		if !ok {
			return fmt.Errorf("unexpected event %T for %s", e, zero.Type())
		}
		return fn(ctx, typed)
	})
}

// Handlers returns the names of the handlers registered for t
func (b *Bus) Handlers(t Type) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.handlers[t]))
	for _, s := range b.handlers[t] {
		names = append(names, s.name)
	}
	return names
}

// Publish queues e for every handler of its type and returns without waiting
// for them. It blocks only while the pool buffer is full.
func (b *Bus) Publish(e Event) error {
	if e == nil {
		return nil
	}
	b.mu.RLock()
	subs := append([]subscription(nil), b.handlers[e.Type()]...)
	b.mu.RUnlock()

	if b.metrics != nil {
		b.metrics.EventsPublishedTotal.WithLabelValues(string(e.Type())).Inc()
	}

	for _, s := range subs {
		s := s
		b.pending.Add(1)
		err := b.pool.Submit(func(ctx context.Context) error {
			defer b.pending.Done()
			b.dispatch(ctx, s, e)
			return nil
		})
		if err != nil {
			b.pending.Done()
			return ErrBusClosed
		}
	}
	return nil
}

func (b *Bus) dispatch(ctx context.Context, s subscription, e Event) {
	logger := b.logger.WithFields(map[string]any{
		"event":     string(e.Type()),
		"handler":   s.name,
		"tenant_id": e.Tenant(),
	})

	defer observability.RecoverPanicWithCallback(logger, "event handler "+s.name, func(any) {
		b.handlerFailed(e, s)
	})

	if err := s.handler(ctx, e); err != nil {
		logger.WithError(err).Warn("Event handler failed")
		b.handlerFailed(e, s)
	}
}

func (b *Bus) handlerFailed(e Event, s subscription) {
	if b.metrics != nil {
		b.metrics.EventHandlerFailuresTotal.WithLabelValues(string(e.Type()), s.name).Inc()
	}
}

// Flush blocks until every published event has been handled
func (b *Bus) Flush() {
	b.pending.Wait()
}

// Close stops accepting events and waits for queued handlers
func (b *Bus) Close(ctx context.Context) error {
	timeout := 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	return b.pool.Shutdown(timeout)
}
