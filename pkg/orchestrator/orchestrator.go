// Package orchestrator runs governed operations end to end. A request passes
// the plan gate, then the rate limiter, then the cache whose compute step runs
// on the async dispatcher. Usage is recorded exactly once, and only after the
// result exists.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/biznespilot/governor/pkg/algorithms"
	"github.com/biznespilot/governor/pkg/async"
	"github.com/biznespilot/governor/pkg/cache"
	"github.com/biznespilot/governor/pkg/events"
	"github.com/biznespilot/governor/pkg/gate"
	"github.com/biznespilot/governor/pkg/governance"
	"github.com/biznespilot/governor/pkg/observability"
	"github.com/biznespilot/governor/pkg/ratelimit"
	"github.com/biznespilot/governor/pkg/usage"
)

var orchestratorTracer = otel.Tracer("governor/orchestrator")

// Options tunes the orchestrator
type Options struct {
	// AwaitTimeout bounds how long Execute waits for a job result
	AwaitTimeout time.Duration

	// JobTimeout overrides the dispatcher's per-job timeout when positive
	JobTimeout time.Duration

	// StrictQuota re-checks the limit atomically when recording usage, so
	// concurrent requests can never push a counter past its limit
	StrictQuota bool

	// WarningThreshold is the usage ratio that raises QuotaThresholdReached
	WarningThreshold float64

	BatchWorkers int
	BatchTimeout time.Duration

	// Telemetry receives OpenTelemetry measurements; may be nil
	Telemetry *observability.OTelMetrics
}

// DefaultOptions returns the production defaults
func DefaultOptions() Options {
	return Options{
		AwaitTimeout:     60 * time.Second,
		StrictQuota:      true,
		WarningThreshold: gate.WarningThreshold,
		BatchWorkers:     5,
		BatchTimeout:     2 * time.Minute,
	}
}

// Request is one governed operation call
type Request struct {
	TenantID  string
	Operation string
	Input     json.RawMessage
	Priority  async.Priority

	// System marks scheduler-initiated requests; they are rate limited on
	// the global key instead of the tenant's
	System bool
}

// UsageInfo reports the counter after a metered operation
type UsageInfo struct {
	LimitKey string `json:"limit_key"`
	Current  int64  `json:"current"`
	Limit    int64  `json:"limit,omitempty"`
	Limited  bool   `json:"limited"`
}

// Response is the outcome of a successful operation
type Response struct {
	Operation string          `json:"operation"`
	Result    json.RawMessage `json:"result,omitempty"`
	Cached    bool            `json:"cached"`
	Usage     *UsageInfo      `json:"usage,omitempty"`
	Duration  time.Duration   `json:"duration_ns"`
}

// Orchestrator composes the governance components
type Orchestrator struct {
	gate       *gate.Gate
	limiter    ratelimit.Limiter
	cache      *cache.Manager
	dispatcher *async.Dispatcher
	usage      usage.Store
	algorithms *algorithms.Registry
	bus        *events.Bus
	logger     *observability.Logger
	metrics    *observability.Metrics
	opts       Options
	now        func() time.Time
}

// New wires an orchestrator. bus and metrics may be nil.
func New(
	g *gate.Gate,
	limiter ratelimit.Limiter,
	cm *cache.Manager,
	dispatcher *async.Dispatcher,
	store usage.Store,
	algos *algorithms.Registry,
	bus *events.Bus,
	logger *observability.Logger,
	metrics *observability.Metrics,
	opts Options,
) *Orchestrator {
	def := DefaultOptions()
	if opts.AwaitTimeout <= 0 {
		opts.AwaitTimeout = def.AwaitTimeout
	}
	if opts.WarningThreshold <= 0 {
		opts.WarningThreshold = def.WarningThreshold
	}
	if opts.BatchWorkers <= 0 {
		opts.BatchWorkers = def.BatchWorkers
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = def.BatchTimeout
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Orchestrator{
		gate:       g,
		limiter:    limiter,
		cache:      cm,
		dispatcher: dispatcher,
		usage:      store,
		algorithms: algos,
		bus:        bus,
		logger:     logger,
		metrics:    metrics,
		opts:       opts,
		now:        time.Now,
	}
}

// Gate exposes the plan gate
func (o *Orchestrator) Gate() *gate.Gate { return o.gate }

// Execute runs req synchronously. Any failure stops the pipeline, and usage
// is recorded only when every stage succeeded.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*Response, error) {
	ctx, span := orchestratorTracer.Start(ctx, "Orchestrator.Execute",
		trace.WithAttributes(
			attribute.String("tenant_id", req.TenantID),
			attribute.String("operation", req.Operation),
			attribute.Bool("system", req.System),
		),
	)
	defer span.End()

	start := o.now()
	resp, err := o.execute(ctx, req, start)
	o.observe(ctx, req, start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, statusOf(err))
		return nil, err
	}
	span.SetAttributes(attribute.Bool("cached", resp.Cached))
	return resp, nil
}

func (o *Orchestrator) execute(ctx context.Context, req Request, start time.Time) (*Response, error) {
	decision, err := o.admit(ctx, req)
	if err != nil {
		return nil, err
	}
	op := decision.Operation

	result, cached, err := o.resolve(ctx, req, op, o.viaDispatcher)
	if err != nil {
		return nil, err
	}

	// the result exists; usage is recorded even if the caller has gone away
	info, err := o.record(context.WithoutCancel(ctx), req, decision)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		Operation: op.Key,
		Result:    result,
		Cached:    cached,
		Usage:     info,
		Duration:  o.now().Sub(start),
	}
	o.publish(events.OperationCompleted{
		TenantID:  req.TenantID,
		Operation: op.Key,
		Cached:    cached,
		Duration:  resp.Duration,
		At:        o.now(),
	})
	return resp, nil
}

// Submit runs req in the background and returns the job handle. The gate and
// limiter run before queueing; the job computes, caches and records usage.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (async.Handle, error) {
	ctx, span := orchestratorTracer.Start(ctx, "Orchestrator.Submit",
		trace.WithAttributes(
			attribute.String("tenant_id", req.TenantID),
			attribute.String("operation", req.Operation),
		),
	)
	defer span.End()

	decision, err := o.admit(ctx, req)
	if err != nil {
		o.observe(ctx, req, o.now(), err)
		span.RecordError(err)
		return "", err
	}

	h, err := o.dispatcher.Submit(ctx, req.TenantID, func(jctx context.Context) (any, error) {
		start := o.now()
		resp, err := o.background(jctx, req, decision, start)
		o.observe(jctx, req, start, err)
		return resp, err
	}, async.Options{Name: req.Operation, Priority: req.Priority, Timeout: o.opts.JobTimeout})
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	span.SetAttributes(attribute.String("job", string(h)))
	return h, nil
}

func (o *Orchestrator) background(ctx context.Context, req Request, decision *gate.Decision, start time.Time) (*Response, error) {
	result, cached, err := o.resolve(ctx, req, decision.Operation, o.direct)
	if err != nil {
		return nil, err
	}
	info, err := o.record(context.WithoutCancel(ctx), req, decision)
	if err != nil {
		return nil, err
	}
	resp := &Response{
		Operation: decision.Operation.Key,
		Result:    result,
		Cached:    cached,
		Usage:     info,
		Duration:  o.now().Sub(start),
	}
	o.publish(events.OperationCompleted{
		TenantID:  req.TenantID,
		Operation: req.Operation,
		Cached:    cached,
		Duration:  resp.Duration,
		At:        o.now(),
	})
	return resp, nil
}

// Job returns the state of a job submitted by tenantID. Jobs of other
// tenants are reported as not found.
func (o *Orchestrator) Job(tenantID string, h async.Handle) (async.Result, error) {
	r, err := o.dispatcher.Status(h)
	if err != nil {
		return async.Result{}, err
	}
	if r.TenantID != tenantID {
		return async.Result{}, async.ErrJobNotFound
	}
	return r, nil
}

// admit runs the gate and then the rate limiter
func (o *Orchestrator) admit(ctx context.Context, req Request) (*gate.Decision, error) {
	decision, err := o.gate.Authorize(ctx, req.TenantID, req.Operation)
	if err != nil {
		o.deny(req, err)
		return nil, err
	}
	o.countDecision(ctx, req.Operation, "allowed")

	subject := req.TenantID
	if req.System {
		subject = ratelimit.GlobalKey
	}
	class := ratelimit.Class(decision.Operation.Class)
	if err := o.limiter.TryAcquire(ctx, subject, class); err != nil {
		if governance.IsRateLimited(err) {
			if o.metrics != nil {
				o.metrics.RateLimitRejectionsTotal.WithLabelValues(string(class)).Inc()
			}
			o.opts.Telemetry.RecordRateLimited(ctx, string(class))
			o.deny(req, err)
		}
		return nil, err
	}
	return decision, nil
}

type computeVia func(ctx context.Context, req Request, op gate.Operation, input any) ([]byte, error)

// resolve produces the operation result, from the cache when the operation
// is cacheable. Operations without an algorithm have no result.
func (o *Orchestrator) resolve(ctx context.Context, req Request, op gate.Operation, via computeVia) (json.RawMessage, bool, error) {
	if op.Algorithm == "" {
		return nil, false, nil
	}

	var input any
	if len(strings.TrimSpace(string(req.Input))) > 0 {
		if err := json.Unmarshal(req.Input, &input); err != nil {
			return nil, false, fmt.Errorf("%w: %v", algorithms.ErrInvalidInput, err)
		}
	}

	if op.CacheTTL <= 0 {
		out, err := via(ctx, req, op, input)
		return out, false, err
	}

	key, err := cache.Fingerprint(req.TenantID, op.Key, input)
	if err != nil {
		return nil, false, err
	}
	computed := false
	out, err := o.cache.ComputeOrFetch(ctx, key, op.CacheTTL, func(ctx context.Context) ([]byte, error) {
		computed = true
		return via(ctx, req, op, input)
	})
	if err != nil {
		return nil, false, err
	}
	return out, !computed, nil
}

// viaDispatcher runs the compute as a job and waits for it. A caller that
// stops waiting cancels the job.
func (o *Orchestrator) viaDispatcher(ctx context.Context, req Request, op gate.Operation, input any) ([]byte, error) {
	h, err := o.dispatcher.Submit(ctx, req.TenantID, func(jctx context.Context) (any, error) {
		return o.direct(jctx, req, op, input)
	}, async.Options{Name: op.Key, Priority: req.Priority, Timeout: o.opts.JobTimeout})
	if err != nil {
		return nil, err
	}

	v, err := o.dispatcher.Await(ctx, h, o.opts.AwaitTimeout)
	if err != nil {
		if errors.Is(err, async.ErrAwaitTimeout) || ctx.Err() != nil {
			if cerr := o.dispatcher.Cancel(h); cerr != nil && !errors.Is(cerr, async.ErrJobNotFound) {
				o.logger.WithError(cerr).WithField("job", string(h)).Debug("cancel after await failure")
			}
		}
		return nil, err
	}
	out, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("job %s returned %T", h, v)
	}
	return out, nil
}

// direct runs the algorithm in the calling goroutine
func (o *Orchestrator) direct(ctx context.Context, req Request, op gate.Operation, input any) ([]byte, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	v, err := o.algorithms.Run(ctx, op.Algorithm, raw)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// record increments the operation's usage counter once
func (o *Orchestrator) record(ctx context.Context, req Request, d *gate.Decision) (*UsageInfo, error) {
	op := d.Operation
	if op.LimitKey == "" {
		return nil, nil
	}

	var (
		current int64
		err     error
	)
	if d.Limited && o.opts.StrictQuota {
		var applied bool
		current, applied, err = o.usage.IncrementIfBelow(ctx, d.UsageKey, op.Cost, d.Limit)
		if err == nil && !applied {
			// lost the race for the last unit of quota after computing
			qerr := &governance.QuotaExceededError{
				LimitKey:     op.LimitKey,
				LimitLabel:   o.gate.Catalogue().LimitLabel(op.LimitKey),
				Limit:        d.Limit,
				CurrentUsage: current,
			}
			o.deny(req, qerr)
			return nil, qerr
		}
	} else {
		current, err = o.usage.Increment(ctx, d.UsageKey, op.Cost)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record usage: %w", err)
	}

	o.opts.Telemetry.RecordUsage(ctx, op.LimitKey, op.Cost)
	now := o.now()
	o.publish(events.UsageRecorded{
		TenantID:  req.TenantID,
		LimitKey:  op.LimitKey,
		Period:    d.UsageKey.Period,
		Delta:     op.Cost,
		Current:   current,
		Limit:     d.Limit,
		Operation: op.Key,
		At:        now,
	})

	if d.Limited && d.Limit > 0 {
		before := float64(current-op.Cost) / float64(d.Limit)
		after := float64(current) / float64(d.Limit)
		if before < o.opts.WarningThreshold && after >= o.opts.WarningThreshold {
			o.publish(events.QuotaThresholdReached{
				TenantID: req.TenantID,
				LimitKey: op.LimitKey,
				Current:  current,
				Limit:    d.Limit,
				Ratio:    after,
				At:       now,
			})
		}
	}

	return &UsageInfo{LimitKey: op.LimitKey, Current: current, Limit: d.Limit, Limited: d.Limited}, nil
}

// deny reports a governance refusal
func (o *Orchestrator) deny(req Request, err error) {
	gerr, ok := governance.AsError(err)
	if !ok {
		return
	}
	o.countDecision(context.Background(), req.Operation, strings.ToLower(string(gerr.Code())))
	o.publish(events.OperationDenied{
		TenantID:  req.TenantID,
		Operation: req.Operation,
		Code:      gerr.Code(),
		Reason:    err.Error(),
		At:        o.now(),
	})
}

func (o *Orchestrator) countDecision(ctx context.Context, op, outcome string) {
	if o.metrics != nil {
		o.metrics.GateDecisionsTotal.WithLabelValues(op, outcome).Inc()
	}
	o.opts.Telemetry.RecordGateDecision(ctx, op, outcome)
}

func (o *Orchestrator) publish(e events.Event) {
	if o.bus == nil || e.Tenant() == "" {
		return
	}
	if err := o.bus.Publish(e); err != nil {
		o.logger.WithError(err).WithField("event", string(e.Type())).Warn("failed to publish event")
	}
}

func (o *Orchestrator) observe(ctx context.Context, req Request, start time.Time, err error) {
	status := statusOf(err)
	elapsed := o.now().Sub(start)
	if o.metrics != nil {
		o.metrics.OperationsTotal.WithLabelValues(req.Operation, status).Inc()
		o.metrics.OperationDuration.WithLabelValues(req.Operation).Observe(elapsed.Seconds())
	}
	o.opts.Telemetry.RecordOperation(ctx, req.Operation, status, elapsed)

	if err != nil && status == "error" {
		o.logger.WithTenant(req.TenantID).WithError(err).WithField("operation", req.Operation).Error("operation failed")
	}
}

// statusOf labels an outcome for metrics
func statusOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case governance.IsRateLimited(err):
		return "rate_limited"
	case governance.CodeOf(err) != "":
		return "denied"
	case errors.Is(err, async.ErrAwaitTimeout), errors.Is(err, async.ErrJobTimeout):
		return "timeout"
	case errors.Is(err, async.ErrQueueFull):
		return "overloaded"
	case errors.Is(err, governance.ErrUnknownOperation), errors.Is(err, algorithms.ErrInvalidInput):
		return "invalid"
	}
	return "error"
}
