package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownFunc is a function to call during shutdown
type ShutdownFunc func(context.Context) error

type namedShutdown struct {
	name string
	fn   ShutdownFunc
}

// ShutdownManager stops HTTP servers and then releases registered resources
// in reverse registration order, so components close before what they use.
type ShutdownManager struct {
	logger          *Logger
	servers         []*http.Server
	shutdownFuncs   []namedShutdown
	shutdownTimeout time.Duration
	mu              sync.Mutex
	once            sync.Once
	err             error
}

// NewShutdownManager creates a shutdown manager; timeout defaults to 30s
func NewShutdownManager(logger *Logger, timeout time.Duration, servers ...*http.Server) *ShutdownManager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = NopLogger()
	}
	return &ShutdownManager{
		logger:          logger,
		servers:         servers,
		shutdownTimeout: timeout,
	}
}

// Register adds a named shutdown step
func (sm *ShutdownManager) Register(name string, fn ShutdownFunc) {
	if fn == nil {
		return
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.shutdownFuncs = append(sm.shutdownFuncs, namedShutdown{name: name, fn: fn})
}

// WaitForShutdown blocks until SIGINT, SIGTERM or ctx ends, then shuts down
func (sm *ShutdownManager) WaitForShutdown(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	sm.logger.Info("Shutdown requested")
	return sm.Shutdown(context.Background())
}

// Shutdown runs once; later calls return the first result
func (sm *ShutdownManager) Shutdown(parent context.Context) error {
	sm.once.Do(func() {
		ctx, cancel := context.WithTimeout(parent, sm.shutdownTimeout)
		defer cancel()
		sm.err = sm.shutdown(ctx)
	})
	return sm.err
}

func (sm *ShutdownManager) shutdown(ctx context.Context) error {
	var errs []error

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, srv := range sm.servers {
		if srv == nil {
			continue
		}
		wg.Add(1)
		go func(srv *http.Server) {
			defer wg.Done()
			if err := srv.Shutdown(ctx); err != nil {
				sm.logger.WithError(err).WithField("addr", srv.Addr).Error("HTTP server shutdown error")
				mu.Lock()
				errs = append(errs, fmt.Errorf("server %s: %w", srv.Addr, err))
				mu.Unlock()
			}
		}(srv)
	}
	wg.Wait()

	sm.mu.Lock()
	funcs := append([]namedShutdown(nil), sm.shutdownFuncs...)
	sm.mu.Unlock()

	for i := len(funcs) - 1; i >= 0; i-- {
		step := funcs[i]
		if ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("%s: skipped, shutdown timeout reached", step.name))
			continue
		}
		if err := step.fn(ctx); err != nil {
			sm.logger.WithError(err).WithField("step", step.name).Error("Shutdown step failed")
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
			continue
		}
		sm.logger.WithField("step", step.name).Debug("Shutdown step complete")
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	sm.logger.Info("Graceful shutdown complete")
	return nil
}
