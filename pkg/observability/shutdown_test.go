package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNewShutdownManager(t *testing.T) {
	tests := []struct {
		name            string
		timeout         time.Duration
		expectedTimeout time.Duration
	}{
		{name: "custom timeout", timeout: 10 * time.Second, expectedTimeout: 10 * time.Second},
		{name: "zero timeout uses default", timeout: 0, expectedTimeout: 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := NewShutdownManager(nil, tt.timeout)
			if sm.shutdownTimeout != tt.expectedTimeout {
				t.Errorf("Expected timeout %v, got %v", tt.expectedTimeout, sm.shutdownTimeout)
			}
			if sm.logger == nil {
				t.Error("Expected fallback logger")
			}
		})
	}
}

func TestShutdown_ReverseOrder(t *testing.T) {
	sm := NewShutdownManager(NopLogger(), time.Second)

	var mu sync.Mutex
	var order []string
	step := func(name string) ShutdownFunc {
		return func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}
	sm.Register("database", step("database"))
	sm.Register("redis", step("redis"))
	sm.Register("dispatcher", step("dispatcher"))
	sm.Register("ignored", nil)

	if err := sm.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	want := "dispatcher,redis,database"
	if got := strings.Join(order, ","); got != want {
		t.Errorf("order = %s, want %s", got, want)
	}
}

func TestShutdown_CollectsErrors(t *testing.T) {
	sm := NewShutdownManager(NopLogger(), time.Second)
	boom := errors.New("boom")
	var ran bool

	sm.Register("first", func(ctx context.Context) error {
		ran = true
		return nil
	})
	sm.Register("second", func(ctx context.Context) error { return boom })

	err := sm.Shutdown(context.Background())
	if !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
	if !ran {
		t.Error("failing step stopped later steps")
	}
	if !strings.Contains(err.Error(), "second") {
		t.Errorf("error does not name the step: %v", err)
	}

	// runs only once
	if again := sm.Shutdown(context.Background()); again != err {
		t.Errorf("second Shutdown returned %v", again)
	}
}

func TestShutdown_Timeout(t *testing.T) {
	sm := NewShutdownManager(NopLogger(), 30*time.Millisecond)
	var skippedRan bool

	sm.Register("skipped", func(ctx context.Context) error {
		skippedRan = true
		return nil
	})
	sm.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := sm.Shutdown(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
	if skippedRan {
		t.Error("step ran after the deadline")
	}
}

func TestShutdown_HTTPServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: http.NotFoundHandler()}
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	sm := NewShutdownManager(NopLogger(), time.Second, srv)
	if err := sm.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case err := <-served:
		if !errors.Is(err, http.ErrServerClosed) {
			t.Errorf("expected ErrServerClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Error("server did not stop")
	}
}

func TestWaitForShutdown_ContextCancel(t *testing.T) {
	sm := NewShutdownManager(NopLogger(), time.Second)
	var called bool
	sm.Register("step", func(ctx context.Context) error {
		called = true
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sm.WaitForShutdown(ctx); err != nil {
		t.Fatalf("WaitForShutdown: %v", err)
	}
	if !called {
		t.Error("shutdown step not run")
	}
}
