package observability

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMeterProvider creates a test meter provider with a manual reader
func setupTestMeterProvider(t *testing.T) *metric.ManualReader {
	t.Helper()
	reader := metric.NewManualReader()
	provider := metric.NewMeterProvider(metric.WithReader(reader))
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down provider: %v", err)
		}
	})
	return reader
}

func collect(t *testing.T, reader *metric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Failed to collect metrics: %v", err)
	}
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumValue(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %s is not an int64 sum", m.Name)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestNewOTelMetrics(t *testing.T) {
	setupTestMeterProvider(t)

	m, err := NewOTelMetrics()
	if err != nil {
		t.Fatalf("NewOTelMetrics() error = %v, want nil", err)
	}
	if m.operationsTotal == nil || m.gateDecisions == nil || m.jobsTotal == nil || m.cacheLookups == nil {
		t.Error("instruments not initialized")
	}
}

func TestOTelMetrics_RecordOperation(t *testing.T) {
	tests := []struct {
		name      string
		operation string
		status    string
		duration  time.Duration
	}{
		{name: "success", operation: "algorithm.health_score", status: "success", duration: 120 * time.Millisecond},
		{name: "denied", operation: "report.generate", status: "quota_exceeded", duration: time.Millisecond},
		{name: "timeout", operation: "diagnostic.run", status: "timeout", duration: 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := setupTestMeterProvider(t)
			m, err := NewOTelMetrics()
			if err != nil {
				t.Fatalf("NewOTelMetrics() error = %v", err)
			}

			m.RecordOperation(context.Background(), tt.operation, tt.status, tt.duration)

			metrics := collect(t, reader)
			counter, ok := metrics["governor.operations"]
			if !ok {
				t.Fatal("operations counter not recorded")
			}
			if got := sumValue(t, counter); got != 1 {
				t.Errorf("Expected counter value 1, got %d", got)
			}
			if _, ok := metrics["governor.operation.duration"]; !ok {
				t.Error("operation duration not recorded")
			}
		})
	}
}

func TestOTelMetrics_Governance(t *testing.T) {
	reader := setupTestMeterProvider(t)
	m, err := NewOTelMetrics()
	if err != nil {
		t.Fatalf("NewOTelMetrics() error = %v", err)
	}
	ctx := context.Background()

	m.RecordGateDecision(ctx, "report.generate", "allowed")
	m.RecordGateDecision(ctx, "report.generate", "feature_not_available")
	m.RecordRateLimited(ctx, "batch")
	m.RecordUsage(ctx, "reports", 3)
	m.RecordCacheLookup(ctx, "local", true)
	m.RecordCacheLookup(ctx, "", false)

	metrics := collect(t, reader)
	if got := sumValue(t, metrics["governor.gate.decisions"]); got != 2 {
		t.Errorf("gate decisions = %d", got)
	}
	if got := sumValue(t, metrics["governor.ratelimit.denials"]); got != 1 {
		t.Errorf("rate limit denials = %d", got)
	}
	if got := sumValue(t, metrics["governor.usage.increments"]); got != 3 {
		t.Errorf("usage increments = %d", got)
	}
	if got := sumValue(t, metrics["governor.cache.lookups"]); got != 2 {
		t.Errorf("cache lookups = %d", got)
	}
}

func TestOTelMetrics_RecordJob(t *testing.T) {
	reader := setupTestMeterProvider(t)
	m, err := NewOTelMetrics()
	if err != nil {
		t.Fatalf("NewOTelMetrics() error = %v", err)
	}

	m.RecordJob(context.Background(), "high", "succeeded", 2*time.Second)
	m.RecordJob(context.Background(), "low", "cancelled", 0)

	metrics := collect(t, reader)
	if got := sumValue(t, metrics["governor.jobs"]); got != 2 {
		t.Errorf("jobs = %d", got)
	}
	hist, ok := metrics["governor.job.duration"].Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("job duration histogram missing")
	}
	if len(hist.DataPoints) != 1 {
		t.Errorf("expected one duration series, got %d", len(hist.DataPoints))
	}
}

func TestOTelMetrics_NilSafe(t *testing.T) {
	var m *OTelMetrics
	ctx := context.Background()
	m.RecordOperation(ctx, "x", "success", time.Second)
	m.RecordGateDecision(ctx, "x", "allowed")
	m.RecordRateLimited(ctx, "single")
	m.RecordUsage(ctx, "reports", 1)
	m.RecordJob(ctx, "default", "failed", time.Second)
	m.RecordCacheLookup(ctx, "local", true)
}
