package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/biznespilot/governor/pkg/async"
	"github.com/biznespilot/governor/pkg/governance"
	"github.com/biznespilot/governor/pkg/observability"
)

// BatchReport summarizes a bulk run
type BatchReport struct {
	Operation string        `json:"operation"`
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Denied    int           `json:"denied"`
	Failed    int           `json:"failed"`
	Errors    []error       `json:"-"`
	Duration  time.Duration `json:"duration_ns"`
}

// RunBatch executes operation for every tenant as a system request at low
// priority. Governance denials, such as a tenant without the feature, are
// counted but are not errors.
func (o *Orchestrator) RunBatch(ctx context.Context, tenants []string, operation string, input json.RawMessage) BatchReport {
	start := o.now()
	var succeeded, denied atomic.Int64

	errs := async.Batch(ctx, o.logger, tenants, o.opts.BatchWorkers, "batch "+operation, o.opts.BatchTimeout,
		func(ctx context.Context, tenantID string) error {
			_, err := o.Execute(ctx, Request{
				TenantID:  tenantID,
				Operation: operation,
				Input:     input,
				Priority:  async.PriorityLow,
				System:    true,
			})
			switch {
			case err == nil:
				succeeded.Add(1)
				return nil
			case governance.CodeOf(err) != "" && !governance.IsRateLimited(err):
				denied.Add(1)
				return nil
			}
			return fmt.Errorf("tenant %s: %w", tenantID, err)
		})

	report := BatchReport{
		Operation: operation,
		Total:     len(tenants),
		Succeeded: int(succeeded.Load()),
		Denied:    int(denied.Load()),
		Failed:    len(errs),
		Errors:    errs,
		Duration:  o.now().Sub(start),
	}
	o.logger.WithFields(map[string]any{
		"operation": operation,
		"total":     report.Total,
		"succeeded": report.Succeeded,
		"denied":    report.Denied,
		"failed":    report.Failed,
	}).Info("batch run finished")
	return report
}

// JobObserver returns a dispatcher OnFinish hook that records job metrics.
// Either argument may be nil.
func JobObserver(metrics *observability.Metrics, telemetry *observability.OTelMetrics) func(async.Result) {
	return func(r async.Result) {
		var elapsed time.Duration
		if !r.StartedAt.IsZero() {
			elapsed = r.FinishedAt.Sub(r.StartedAt)
		}
		if metrics != nil {
			metrics.JobsTotal.WithLabelValues(r.Priority, string(r.Status)).Inc()
			if elapsed > 0 {
				metrics.JobDuration.WithLabelValues(r.Priority).Observe(elapsed.Seconds())
			}
		}
		telemetry.RecordJob(context.Background(), r.Priority, string(r.Status), elapsed)
	}
}

// ObserveQueue copies dispatcher gauges into metrics until ctx is done
func ObserveQueue(ctx context.Context, d *async.Dispatcher, metrics *observability.Metrics, interval time.Duration) {
	if metrics == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := d.Stats()
			metrics.JobsRunning.Set(float64(stats.Running))
			for priority, n := range stats.Queued {
				metrics.JobsQueued.WithLabelValues(priority).Set(float64(n))
			}
		}
	}
}
