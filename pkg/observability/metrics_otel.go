package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics holds OpenTelemetry metric instruments. A nil *OTelMetrics
// records nothing.
type OTelMetrics struct {
	// Operation metrics
	operationsTotal   metric.Int64Counter
	operationDuration metric.Float64Histogram

	// Governance metrics
	gateDecisions    metric.Int64Counter
	rateLimitDenials metric.Int64Counter
	usageIncrements  metric.Int64Counter

	// Job metrics
	jobsTotal   metric.Int64Counter
	jobDuration metric.Float64Histogram

	// Cache metrics
	cacheLookups metric.Int64Counter
}

// NewOTelMetrics creates the instruments on the global meter provider
func NewOTelMetrics() (*OTelMetrics, error) {
	meter := otel.Meter("github.com/biznespilot/governor")

	m := &OTelMetrics{}
	var err error

	m.operationsTotal, err = meter.Int64Counter(
		"governor.operations",
		metric.WithDescription("Executed operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create operations counter: %w", err)
	}

	m.operationDuration, err = meter.Float64Histogram(
		"governor.operation.duration",
		metric.WithDescription("Operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create operation duration histogram: %w", err)
	}

	m.gateDecisions, err = meter.Int64Counter(
		"governor.gate.decisions",
		metric.WithDescription("Gate decisions"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gate decisions counter: %w", err)
	}

	m.rateLimitDenials, err = meter.Int64Counter(
		"governor.ratelimit.denials",
		metric.WithDescription("Rate limited requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limit counter: %w", err)
	}

	m.usageIncrements, err = meter.Int64Counter(
		"governor.usage.increments",
		metric.WithDescription("Usage recorded against tenant limits"),
		metric.WithUnit("{unit}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create usage counter: %w", err)
	}

	m.jobsTotal, err = meter.Int64Counter(
		"governor.jobs",
		metric.WithDescription("Finished dispatcher jobs"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create jobs counter: %w", err)
	}

	m.jobDuration, err = meter.Float64Histogram(
		"governor.job.duration",
		metric.WithDescription("Job execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create job duration histogram: %w", err)
	}

	m.cacheLookups, err = meter.Int64Counter(
		"governor.cache.lookups",
		metric.WithDescription("Cache lookups by layer and result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache lookups counter: %w", err)
	}

	return m, nil
}

// RecordOperation records an orchestrated operation
func (m *OTelMetrics) RecordOperation(ctx context.Context, operation, status string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("governor.operation", operation),
		attribute.String("governor.status", status),
	)
	m.operationsTotal.Add(ctx, 1, attrs)
	m.operationDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordGateDecision records an allow or deny outcome
func (m *OTelMetrics) RecordGateDecision(ctx context.Context, operation, outcome string) {
	if m == nil {
		return
	}
	m.gateDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("governor.operation", operation),
		attribute.String("governor.outcome", outcome),
	))
}

// RecordRateLimited records a rate limit rejection
func (m *OTelMetrics) RecordRateLimited(ctx context.Context, class string) {
	if m == nil {
		return
	}
	m.rateLimitDenials.Add(ctx, 1, metric.WithAttributes(attribute.String("governor.class", class)))
}

// RecordUsage records usage charged to a limit
func (m *OTelMetrics) RecordUsage(ctx context.Context, limit string, delta int64) {
	if m == nil {
		return
	}
	m.usageIncrements.Add(ctx, delta, metric.WithAttributes(attribute.String("governor.limit", limit)))
}

// RecordJob records a finished job
func (m *OTelMetrics) RecordJob(ctx context.Context, priority, status string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("governor.priority", priority),
		attribute.String("governor.status", status),
	)
	m.jobsTotal.Add(ctx, 1, attrs)
	if duration > 0 {
		m.jobDuration.Record(ctx, duration.Seconds(), attrs)
	}
}

// RecordCacheLookup records a cache hit on a layer or a miss
func (m *OTelMetrics) RecordCacheLookup(ctx context.Context, layer string, hit bool) {
	if m == nil {
		return
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache.layer", layer),
		attribute.Bool("cache.hit", hit),
	))
}
