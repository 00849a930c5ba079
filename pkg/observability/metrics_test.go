package observability

import (
	"database/sql"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	t.Run("registers every collector", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		metrics.HTTPRequestsTotal.WithLabelValues("GET", "/x", "200").Add(0)
		metrics.GateDecisionsTotal.WithLabelValues("report.generate", "allowed").Add(0)
		metrics.JobsTotal.WithLabelValues("default", "succeeded").Add(0)

		families, err := registry.Gather()
		if err != nil {
			t.Fatalf("Gather: %v", err)
		}
		names := make(map[string]bool)
		for _, f := range families {
			names[f.GetName()] = true
		}
		for _, want := range []string{
			"governor_http_requests_total",
			"governor_gate_decisions_total",
			"governor_jobs_total",
			"governor_rate_limiter_errors_total",
			"governor_jobs_running",
			"governor_active_tenants_total",
		} {
			if !names[want] {
				t.Errorf("metric %s not registered", want)
			}
		}
	})

	t.Run("panics on duplicate registration", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		NewMetrics(registry)

		defer func() {
			if r := recover(); r == nil {
				t.Error("expected panic on duplicate registration")
			}
		}()
		NewMetrics(registry)
	})
}

func TestMetrics_Governance(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	metrics.GateDecisionsTotal.WithLabelValues("report.generate", "allowed").Inc()
	metrics.GateDecisionsTotal.WithLabelValues("report.generate", "quota_exceeded").Inc()
	metrics.RateLimitRejectionsTotal.WithLabelValues("batch").Inc()

	expected := `
# HELP governor_gate_decisions_total Gate decisions by operation and outcome
# TYPE governor_gate_decisions_total counter
governor_gate_decisions_total{operation="report.generate",outcome="allowed"} 1
governor_gate_decisions_total{operation="report.generate",outcome="quota_exceeded"} 1
`
	if err := testutil.CollectAndCompare(metrics.GateDecisionsTotal, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric value: %v", err)
	}
	if got := testutil.ToFloat64(metrics.RateLimitRejectionsTotal.WithLabelValues("batch")); got != 1 {
		t.Errorf("expected 1 rejection, got %v", got)
	}
}

func TestMetrics_RecordDBStats(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	metrics.RecordDBStats(sql.DBStats{InUse: 4, Idle: 2, WaitCount: 7, WaitDuration: 1500 * time.Millisecond})

	if got := testutil.ToFloat64(metrics.DBConnectionsActive); got != 4 {
		t.Errorf("active = %v", got)
	}
	if got := testutil.ToFloat64(metrics.DBConnectionsIdle); got != 2 {
		t.Errorf("idle = %v", got)
	}
	if got := testutil.ToFloat64(metrics.DBConnectionsWaitDuration); got != 1.5 {
		t.Errorf("wait duration = %v", got)
	}

	// nil metrics are ignored
	var none *Metrics
	none.RecordDBStats(sql.DBStats{})
}

func TestResponseWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}

	rw.WriteHeader(http.StatusTeapot)
	n, err := rw.Write([]byte("hello"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 5 || rw.bytesWritten != 5 {
		t.Errorf("expected 5 bytes written, got %d/%d", n, rw.bytesWritten)
	}
	if rw.statusCode != http.StatusTeapot || rec.Code != http.StatusTeapot {
		t.Errorf("status not captured: %d", rw.statusCode)
	}
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	t.Run("uses route template as path label", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		router := mux.NewRouter()
		router.Use(HTTPMetricsMiddleware(metrics))
		router.HandleFunc("/api/v1/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"success":false}`))
		})

		for _, id := range []string{"a", "b"} {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+id, nil)
			router.ServeHTTP(httptest.NewRecorder(), req)
		}

		got := testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/jobs/{id}", "404"))
		if got != 2 {
			t.Errorf("expected 2 requests under the template label, got %v", got)
		}
	})

	t.Run("falls back to raw path without a router", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		handler := HTTPMetricsMiddleware(metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.Copy(io.Discard, r.Body)
		}))
		req := httptest.NewRequest(http.MethodPost, "/plain", strings.NewReader("payload"))
		handler.ServeHTTP(httptest.NewRecorder(), req)

		got := testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("POST", "/plain", "200"))
		if got != 1 {
			t.Errorf("expected 1 request, got %v", got)
		}
		if count := testutil.CollectAndCount(metrics.HTTPRequestSize); count != 1 {
			t.Errorf("expected request size observation, got %d series", count)
		}
	})
}

func TestRegisterMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	metrics.ActiveTenantsTotal.Set(3)

	serveMux := http.NewServeMux()
	RegisterMetricsEndpoint(serveMux, registry)

	rec := httptest.NewRecorder()
	serveMux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "governor_active_tenants_total 3") {
		t.Errorf("metrics output missing gauge:\n%s", rec.Body.String())
	}
}
