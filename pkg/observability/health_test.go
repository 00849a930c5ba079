package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestHealthChecker_Liveness(t *testing.T) {
	checker := NewHealthChecker(nil, nil, "test")
	rec := httptest.NewRecorder()
	checker.Liveness(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got %s", ct)
	}
}

func TestHealthChecker_Check(t *testing.T) {
	t.Run("no dependencies is healthy", func(t *testing.T) {
		status := NewHealthChecker(nil, nil, "1.2.3").Check(context.Background())
		if status.Status != StatusHealthy {
			t.Errorf("Expected healthy, got %s", status.Status)
		}
		if status.Version != "1.2.3" {
			t.Errorf("Expected version 1.2.3, got %s", status.Version)
		}
	})

	t.Run("database up", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		if err != nil {
			t.Fatalf("Failed to create mock db: %v", err)
		}
		defer db.Close()
		mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))

		status := NewHealthChecker(db, nil, "").Check(context.Background())
		if status.Status != StatusHealthy {
			t.Errorf("Expected healthy, got %s: %+v", status.Status, status.Dependencies)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("Unmet expectations: %v", err)
		}
	})

	t.Run("database down is unhealthy", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		if err != nil {
			t.Fatalf("Failed to create mock db: %v", err)
		}
		defer db.Close()
		mock.ExpectQuery("SELECT 1").WillReturnError(errors.New("connection refused"))

		status := NewHealthChecker(db, nil, "").Check(context.Background())
		if status.Status != StatusUnhealthy {
			t.Errorf("Expected unhealthy, got %s", status.Status)
		}
		if !strings.Contains(status.Dependencies["database"].Message, "query failed") {
			t.Errorf("Unexpected message %q", status.Dependencies["database"].Message)
		}
	})

	t.Run("redis down only degrades", func(t *testing.T) {
		mr, client := newRedis(t)
		mr.Close()

		status := NewHealthChecker(nil, client, "").Check(context.Background())
		if status.Status != StatusDegraded {
			t.Errorf("Expected degraded, got %s", status.Status)
		}
		if status.Dependencies["redis"].Status != StatusUnhealthy {
			t.Errorf("Expected redis dependency unhealthy, got %s", status.Dependencies["redis"].Status)
		}
	})

	t.Run("redis up", func(t *testing.T) {
		_, client := newRedis(t)
		status := NewHealthChecker(nil, client, "").Check(context.Background())
		if status.Status != StatusHealthy {
			t.Errorf("Expected healthy, got %s", status.Status)
		}
	})

	t.Run("custom checks", func(t *testing.T) {
		checker := NewHealthChecker(nil, nil, "")
		checker.AddCheck("catalogue", true, func(ctx context.Context) error { return nil })
		checker.AddCheck("dispatcher", false, func(ctx context.Context) error { return errors.New("queue saturated") })

		status := checker.Check(context.Background())
		if status.Status != StatusDegraded {
			t.Errorf("Expected degraded, got %s", status.Status)
		}
		if status.Dependencies["dispatcher"].Message != "queue saturated" {
			t.Errorf("Unexpected dispatcher status %+v", status.Dependencies["dispatcher"])
		}

		checker.AddCheck("archive", true, func(ctx context.Context) error { return errors.New("bucket missing") })
		if got := checker.Check(context.Background()).Status; got != StatusUnhealthy {
			t.Errorf("Expected unhealthy after failing critical check, got %s", got)
		}
	})
}

func TestHealthChecker_Readiness(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewHealthChecker(nil, nil, "").Readiness(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("Expected 200, got %d", rec.Code)
		}

		var status HealthStatus
		if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if status.Status != StatusHealthy {
			t.Errorf("Expected healthy, got %s", status.Status)
		}
	})

	t.Run("not ready", func(t *testing.T) {
		checker := NewHealthChecker(nil, nil, "")
		checker.AddCheck("database", true, func(ctx context.Context) error { return errors.New("down") })

		rec := httptest.NewRecorder()
		checker.Readiness(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("Expected 503, got %d", rec.Code)
		}
	})
}

func TestRegisterHealthRoutes(t *testing.T) {
	serveMux := http.NewServeMux()
	RegisterHealthRoutes(serveMux, NewHealthChecker(nil, nil, ""))

	for _, path := range []string{"/health", "/health/live", "/health/ready"} {
		rec := httptest.NewRecorder()
		serveMux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, rec.Code)
		}
	}
}
