// Package gate decides whether a tenant may perform an operation under its
// subscription plan. The gate reads usage but never changes it.
package gate

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/biznespilot/governor/pkg/governance"
	"github.com/biznespilot/governor/pkg/plans"
	"github.com/biznespilot/governor/pkg/usage"
)

var gateTracer = otel.Tracer("governor/gate")

// WarningThreshold is the usage ratio at which a limit is flagged
const WarningThreshold = 0.8

// Decision is the outcome of a successful authorization
type Decision struct {
	Operation    Operation
	Subscription *plans.Subscription
	Plan         *plans.Plan

	// Limited is false for unmetered operations and unlimited plan limits
	Limited      bool
	Limit        int64
	CurrentUsage int64
	UsageKey     usage.Key
}

// Gate evaluates plan entitlements
type Gate struct {
	catalogue plans.Provider
	subs      plans.SubscriptionStore
	usage     usage.Store
	ops       *Registry
	now       func() time.Time
}

// New creates a gate
func New(catalogue plans.Provider, subs plans.SubscriptionStore, store usage.Store, ops *Registry) *Gate {
	return &Gate{
		catalogue: catalogue,
		subs:      subs,
		usage:     store,
		ops:       ops,
		now:       time.Now,
	}
}

// Operations exposes the operation registry
func (g *Gate) Operations() *Registry {
	return g.ops
}

// Catalogue returns the catalogue in effect
func (g *Gate) Catalogue() *plans.Catalogue {
	return g.catalogue.Current()
}

// UsageKey returns the counter key for a tenant's limit at the current time
func (g *Gate) UsageKey(tenantID, limitKey string) usage.Key {
	if g.catalogue.Current().LimitResetsMonthly(limitKey) {
		return usage.MonthlyKey(tenantID, limitKey, g.now())
	}
	return usage.LifetimeKey(tenantID, limitKey)
}

// Authorize checks, in order: the operation exists, the tenant has an active
// subscription, the plan enables the operation's feature, and the quota has
// room for the operation's cost.
func (g *Gate) Authorize(ctx context.Context, tenantID, operationKey string) (*Decision, error) {
	ctx, span := gateTracer.Start(ctx, "Gate.Authorize",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("operation", operationKey),
		),
	)
	defer span.End()

	decision, err := g.authorize(ctx, tenantID, operationKey)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(governance.CodeOf(err)))
		return nil, err
	}
	span.SetAttributes(
		attribute.String("plan", decision.Plan.ID),
		attribute.Int64("current_usage", decision.CurrentUsage),
	)
	return decision, nil
}

func (g *Gate) authorize(ctx context.Context, tenantID, operationKey string) (*Decision, error) {
	op, ok := g.ops.Lookup(operationKey)
	if !ok {
		return nil, fmt.Errorf("%w: %s", governance.ErrUnknownOperation, operationKey)
	}
	if tenantID == "" {
		return nil, governance.ErrInvalidTenant
	}

	sub, plan, err := g.activePlan(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	cat := g.catalogue.Current()

	if op.FeatureKey != "" && !plan.HasFeature(op.FeatureKey) {
		return nil, &governance.FeatureNotAvailableError{
			FeatureKey:   op.FeatureKey,
			FeatureLabel: cat.FeatureLabel(op.FeatureKey),
		}
	}

	d := &Decision{Operation: op, Subscription: sub, Plan: plan}
	if op.LimitKey == "" {
		return d, nil
	}

	d.UsageKey = g.UsageKey(tenantID, op.LimitKey)
	limit, limited := plan.Limit(op.LimitKey)
	if !limited {
		return d, nil
	}

	current, err := g.usage.Get(ctx, d.UsageKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read usage: %w", err)
	}
	d.Limited = true
	d.Limit = limit
	d.CurrentUsage = current

	if current+op.Cost > limit {
		return nil, &governance.QuotaExceededError{
			LimitKey:     op.LimitKey,
			LimitLabel:   cat.LimitLabel(op.LimitKey),
			Limit:        limit,
			CurrentUsage: current,
		}
	}
	return d, nil
}

// activePlan resolves the tenant's active subscription and its plan
func (g *Gate) activePlan(ctx context.Context, tenantID string) (*plans.Subscription, *plans.Plan, error) {
	sub, err := plans.ActiveSubscription(ctx, g.subs, tenantID, g.now())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	if sub == nil {
		return nil, nil, &governance.NoActiveSubscriptionError{TenantID: tenantID}
	}
	plan, ok := g.catalogue.Current().Plan(sub.PlanID)
	if !ok {
		// a subscription pointing at a retired plan grants nothing
		return nil, nil, &governance.NoActiveSubscriptionError{TenantID: tenantID}
	}
	return sub, plan, nil
}
