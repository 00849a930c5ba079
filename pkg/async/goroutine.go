package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/biznespilot/governor/pkg/observability"
)

// ErrPoolClosed is returned when submitting to a stopped pool
var ErrPoolClosed = errors.New("worker pool shut down")

// SafeGo runs fn in a goroutine bounded by timeout. Errors and panics are
// logged under taskName and never propagate.
//
//	SafeGo(ctx, logger, 5*time.Second, "snapshot archive", func(ctx context.Context) error {
//	    return archiver.Archive(ctx, period, counters)
//	})
func SafeGo(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		if err := runRecovered(ctx, fn); err != nil {
			logger.WithError(err).WithField("task", taskName).Error("background task failed")
		}
	}()
}

// runRecovered calls fn, converting a panic into an error carrying the stack
func runRecovered(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return fn(ctx)
}

// PanicError wraps a recovered panic
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// WorkerPool runs submitted tasks on a fixed number of goroutines
type WorkerPool struct {
	workers  int
	taskName string
	timeout  time.Duration
	logger   *observability.Logger

	workCh chan func(context.Context) error
	doneCh chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// NewWorkerPool starts workers goroutines. Each task gets its own timeout.
//
//	pool := NewWorkerPool(ctx, logger, 8, "event handlers", 10*time.Second, 256)
//	defer pool.Shutdown(5 * time.Second)
func NewWorkerPool(ctx context.Context, logger *observability.Logger, workers int, taskName string, timeout time.Duration, buffer int) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if buffer < 0 {
		buffer = 0
	}
	ctx, cancel := context.WithCancel(ctx)

	pool := &WorkerPool{
		workers:  workers,
		taskName: taskName,
		timeout:  timeout,
		logger:   logger,
		workCh:   make(chan func(context.Context) error, buffer),
		doneCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			pool.worker(id)
		}(i)
	}
	go func() {
		wg.Wait()
		close(pool.doneCh)
	}()

	return pool
}

// Submit queues a task, blocking while the buffer is full
func (p *WorkerPool) Submit(fn func(context.Context) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.workCh <- fn:
		return nil
	case <-p.ctx.Done():
		return ErrPoolClosed
	}
}

func (p *WorkerPool) close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.workCh)
		p.mu.Unlock()
	})
}

// Wait stops accepting tasks and blocks until queued tasks are done
func (p *WorkerPool) Wait() {
	p.close()
	<-p.doneCh
	p.cancel()
}

// Shutdown stops accepting tasks and waits up to timeout for the queue to
// drain. Running tasks are cancelled on timeout.
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	p.close()
	select {
	case <-p.doneCh:
		p.cancel()
		return nil
	case <-time.After(timeout):
		p.cancel()
		return fmt.Errorf("worker pool %s shutdown timed out after %v", p.taskName, timeout)
	}
}

func (p *WorkerPool) worker(id int) {
	for fn := range p.workCh {
		ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
		err := runRecovered(ctx, fn)
		cancel()
		if err == nil {
			continue
		}

		var pe *PanicError
		if errors.As(err, &pe) {
			p.logger.WithFields(map[string]any{
				"worker": id,
				"task":   p.taskName,
				"stack":  pe.Stack,
			}).Errorf("panic in worker: %v", pe.Value)
			continue
		}
		p.logger.WithError(err).WithField("task", p.taskName).Warn("task failed")
	}
}

// Batch runs fn for every item on a pool of workers and returns the errors
// in completion order.
//
//	errs := Batch(ctx, logger, tenants, 5, "daily diagnostics", time.Minute, func(ctx context.Context, id string) error {
//	    return orchestrator.RunSystem(ctx, id, "diagnostic.run")
//	})
func Batch[T any](ctx context.Context, logger *observability.Logger, items []T, workers int, taskName string, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	pool := NewWorkerPool(ctx, logger, workers, taskName, timeout, workers*2)

	var (
		mu   sync.Mutex
		errs []error
	)
	collect := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	for _, item := range items {
		err := pool.Submit(func(ctx context.Context) error {
			if err := runRecovered(ctx, func(ctx context.Context) error { return fn(ctx, item) }); err != nil {
				collect(err)
			}
			return nil
		})
		if err != nil {
			collect(err)
			break
		}
	}

	pool.Wait()
	return errs
}
