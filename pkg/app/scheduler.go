package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/biznespilot/governor/pkg/archive"
	"github.com/biznespilot/governor/pkg/observability"
	"github.com/biznespilot/governor/pkg/orchestrator"
	"github.com/biznespilot/governor/pkg/plans"
)

// DiagnosticOperation is the operation run for every tenant each night
const DiagnosticOperation = "diagnostic.run"

// Job names accepted by RunJob
const (
	JobDiagnostics  = "diagnostics"
	JobRollover     = "rollover"
	JobAuditCleanup = "audit-cleanup"
)

// Jobs lists the scheduled jobs in run-once order
func Jobs() []string {
	return []string{JobRollover, JobDiagnostics, JobAuditCleanup}
}

// RunDiagnostics runs the diagnostic for every tenant with an active
// subscription
func (a *App) RunDiagnostics(ctx context.Context) (orchestrator.BatchReport, error) {
	tenants, err := plans.ActiveTenants(ctx, a.Subscriptions, time.Now())
	if err != nil {
		return orchestrator.BatchReport{}, fmt.Errorf("failed to list active tenants: %w", err)
	}
	report := a.Orchestrator.RunBatch(ctx, tenants, DiagnosticOperation, json.RawMessage(`{}`))
	return report, nil
}

// RunRollover archives last month's counters, when an archive bucket is
// configured, and prunes counters of closed periods
func (a *App) RunRollover(ctx context.Context) (archive.RolloverResult, error) {
	var archiver archive.Archiver
	if a.Archiver != nil {
		archiver = a.Archiver
	}
	return archive.Rollover(ctx, a.Usage, archiver, time.Now(), a.Logger)
}

// RunAuditCleanup deletes audit records older than the retention
func (a *App) RunAuditCleanup(ctx context.Context) (int64, error) {
	if a.Audit == nil {
		return 0, nil
	}
	retention := a.Config.Scheduler.AuditRetention
	if retention <= 0 {
		return 0, nil
	}
	return a.Audit.Cleanup(ctx, time.Now().Add(-retention))
}

// RunJob runs one named job and logs its outcome
func (a *App) RunJob(ctx context.Context, name string) error {
	logger := a.Logger.WithField("job", name)
	start := time.Now()

	var fields map[string]any
	var err error
	switch name {
	case JobDiagnostics:
		var r orchestrator.BatchReport
		r, err = a.RunDiagnostics(ctx)
		fields = map[string]any{"total": r.Total, "succeeded": r.Succeeded, "denied": r.Denied, "failed": r.Failed}
		if err == nil && r.Failed > 0 {
			err = fmt.Errorf("%d of %d tenants failed", r.Failed, r.Total)
		}
	case JobRollover:
		var r archive.RolloverResult
		r, err = a.RunRollover(ctx)
		fields = map[string]any{"period": r.Period, "archived": r.Archived, "key": r.Key, "pruned": r.Pruned}
	case JobAuditCleanup:
		var n int64
		n, err = a.RunAuditCleanup(ctx)
		fields = map[string]any{"deleted": n}
	default:
		return fmt.Errorf("unknown job %q", name)
	}

	logger = logger.WithFields(fields).WithField("duration_ms", time.Since(start).Milliseconds())
	if err != nil {
		logger.WithError(err).Error("Scheduled job failed")
		return err
	}
	logger.Info("Scheduled job completed")
	return nil
}

// Scheduler runs the jobs on their cron schedules
type Scheduler struct {
	cron   *cron.Cron
	logger *observability.Logger
}

// NewScheduler registers every job of a with the configured schedules.
// Schedules are interpreted in the configured timezone.
func NewScheduler(a *App) (*Scheduler, error) {
	sc := a.Config.Scheduler
	loc := time.UTC
	if sc.Timezone != "" {
		var err error
		if loc, err = time.LoadLocation(sc.Timezone); err != nil {
			return nil, fmt.Errorf("invalid scheduler timezone: %w", err)
		}
	}

	c := cron.New(cron.WithLocation(loc), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	schedules := map[string]string{
		JobDiagnostics:  sc.DiagnosticCron,
		JobRollover:     sc.RolloverCron,
		JobAuditCleanup: sc.CleanupCron,
	}
	for _, name := range Jobs() {
		spec := schedules[name]
		if spec == "" {
			continue
		}
		job := name
		if _, err := c.AddFunc(spec, func() {
			defer observability.RecoverPanic(a.Logger, "scheduled job "+job)
			_ = a.RunJob(context.Background(), job)
		}); err != nil {
			return nil, fmt.Errorf("failed to schedule %s (%q): %w", name, spec, err)
		}
		a.Logger.WithFields(map[string]any{"job": name, "schedule": spec, "timezone": loc.String()}).Info("Job scheduled")
	}
	return &Scheduler{cron: c, logger: a.Logger}, nil
}

// Entries returns the number of scheduled jobs
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Start begins running jobs in the background
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop waits for running jobs to finish or ctx to end
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
