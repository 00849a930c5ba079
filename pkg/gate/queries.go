package gate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/biznespilot/governor/pkg/governance"
	"github.com/biznespilot/governor/pkg/plans"
)

// CheckFeature fails unless the tenant's plan enables featureKey
func (g *Gate) CheckFeature(ctx context.Context, tenantID, featureKey string) error {
	_, plan, err := g.activePlan(ctx, tenantID)
	if err != nil {
		return err
	}
	if !plan.HasFeature(featureKey) {
		return &governance.FeatureNotAvailableError{
			FeatureKey:   featureKey,
			FeatureLabel: g.catalogue.Current().FeatureLabel(featureKey),
		}
	}
	return nil
}

// CheckQuota fails when adding add units would exceed the tenant's limit
func (g *Gate) CheckQuota(ctx context.Context, tenantID, limitKey string, add int64) error {
	_, plan, err := g.activePlan(ctx, tenantID)
	if err != nil {
		return err
	}
	limit, limited := plan.Limit(limitKey)
	if !limited {
		return nil
	}
	current, err := g.usage.Get(ctx, g.UsageKey(tenantID, limitKey))
	if err != nil {
		return fmt.Errorf("failed to read usage: %w", err)
	}
	if current+add > limit {
		return &governance.QuotaExceededError{
			LimitKey:     limitKey,
			LimitLabel:   g.catalogue.Current().LimitLabel(limitKey),
			Limit:        limit,
			CurrentUsage: current,
		}
	}
	return nil
}

// HasFeature reports whether the tenant's plan enables featureKey.
// A tenant without an active subscription has no features.
func (g *Gate) HasFeature(ctx context.Context, tenantID, featureKey string) bool {
	return g.CheckFeature(ctx, tenantID, featureKey) == nil
}

// CanAdd reports whether add more units fit in the tenant's limit
func (g *Gate) CanAdd(ctx context.Context, tenantID, limitKey string, add int64) bool {
	return g.CheckQuota(ctx, tenantID, limitKey, add) == nil
}

// GetLimit returns the plan limit, plans.Unlimited when uncapped
func (g *Gate) GetLimit(ctx context.Context, tenantID, limitKey string) (int64, error) {
	_, plan, err := g.activePlan(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	limit, _ := plan.Limit(limitKey)
	return limit, nil
}

// RemainingQuota returns how many units are left. unlimited is true when the
// plan does not cap the limit. Tenants without a subscription have none left.
func (g *Gate) RemainingQuota(ctx context.Context, tenantID, limitKey string) (remaining int64, unlimited bool, err error) {
	_, plan, err := g.activePlan(ctx, tenantID)
	var noSub *governance.NoActiveSubscriptionError
	if errors.As(err, &noSub) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	limit, limited := plan.Limit(limitKey)
	if !limited {
		return 0, true, nil
	}
	current, err := g.usage.Get(ctx, g.UsageKey(tenantID, limitKey))
	if err != nil {
		return 0, false, fmt.Errorf("failed to read usage: %w", err)
	}
	return max(0, limit-current), false, nil
}

// LimitUsage summarizes one limit for display
type LimitUsage struct {
	Label       string `json:"label"`
	Suffix      string `json:"suffix,omitempty"`
	Current     int64  `json:"current"`
	Limit       int64  `json:"limit"`
	Remaining   *int64 `json:"remaining"`
	Percentage  int    `json:"percentage"`
	IsUnlimited bool   `json:"is_unlimited"`
	IsExceeded  bool   `json:"is_exceeded"`
	IsWarning   bool   `json:"is_warning"`
}

// UsageStats reports every catalogue limit for the tenant. Tenants without an
// active subscription get an empty map.
func (g *Gate) UsageStats(ctx context.Context, tenantID string) (map[string]LimitUsage, error) {
	_, plan, err := g.activePlan(ctx, tenantID)
	var noSub *governance.NoActiveSubscriptionError
	if errors.As(err, &noSub) {
		return map[string]LimitUsage{}, nil
	}
	if err != nil {
		return nil, err
	}

	cat := g.catalogue.Current()
	stats := make(map[string]LimitUsage, len(cat.Limits))
	for _, key := range cat.LimitKeys() {
		def := cat.Limits[key]
		current, err := g.usage.Get(ctx, g.UsageKey(tenantID, key))
		if err != nil {
			return nil, fmt.Errorf("failed to read usage %s: %w", key, err)
		}
		limit, limited := plan.Limit(key)
		stats[key] = limitUsage(def, current, limit, limited)
	}
	return stats, nil
}

func limitUsage(def plans.LimitDef, current, limit int64, limited bool) LimitUsage {
	u := LimitUsage{
		Label:       def.Label,
		Suffix:      def.Suffix,
		Current:     current,
		Limit:       plans.Unlimited,
		IsUnlimited: !limited,
	}
	if !limited {
		return u
	}
	remaining := max(0, limit-current)
	u.Limit = limit
	u.Remaining = &remaining
	u.IsExceeded = current >= limit
	if limit > 0 {
		ratio := float64(current) / float64(limit)
		u.Percentage = int(math.Min(100, math.Round(ratio*100)))
		u.IsWarning = ratio >= WarningThreshold
	}
	return u
}

// FeatureStatus describes one catalogue feature for a tenant
type FeatureStatus struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// EnabledFeatures lists every catalogue feature with its state for the tenant
func (g *Gate) EnabledFeatures(ctx context.Context, tenantID string) (map[string]FeatureStatus, error) {
	_, plan, err := g.activePlan(ctx, tenantID)
	var noSub *governance.NoActiveSubscriptionError
	if errors.As(err, &noSub) {
		return map[string]FeatureStatus{}, nil
	}
	if err != nil {
		return nil, err
	}

	cat := g.catalogue.Current()
	out := make(map[string]FeatureStatus, len(cat.Features))
	for key, def := range cat.Features {
		out[key] = FeatureStatus{Label: def.Label, Description: def.Description, Enabled: plan.HasFeature(key)}
	}
	return out, nil
}

// DowngradeIssue is a limit whose usage exceeds the target plan
type DowngradeIssue struct {
	Key      string `json:"key"`
	Label    string `json:"label"`
	Current  int64  `json:"current"`
	NewLimit int64  `json:"new_limit"`
}

// DowngradeCheck is the result of CanDowngradeTo
type DowngradeCheck struct {
	CanDowngrade bool             `json:"can_downgrade"`
	Issues       []DowngradeIssue `json:"issues"`
	Message      string           `json:"message,omitempty"`
}

// ErrUnknownPlan is returned when a plan ID is not in the catalogue
var ErrUnknownPlan = errors.New("unknown plan")

// CanDowngradeTo lists the limits whose current usage exceeds planID's caps
func (g *Gate) CanDowngradeTo(ctx context.Context, tenantID, planID string) (*DowngradeCheck, error) {
	cat := g.catalogue.Current()
	target, ok := cat.Plan(planID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlan, planID)
	}

	check := &DowngradeCheck{Issues: []DowngradeIssue{}}
	var parts []string
	for _, key := range cat.LimitKeys() {
		newLimit, limited := target.Limit(key)
		if !limited {
			continue
		}
		current, err := g.usage.Get(ctx, g.UsageKey(tenantID, key))
		if err != nil {
			return nil, fmt.Errorf("failed to read usage %s: %w", key, err)
		}
		if current > newLimit {
			label := cat.LimitLabel(key)
			check.Issues = append(check.Issues, DowngradeIssue{Key: key, Label: label, Current: current, NewLimit: newLimit})
			parts = append(parts, fmt.Sprintf("%s (%d > %d)", label, current, newLimit))
		}
	}
	check.CanDowngrade = len(check.Issues) == 0
	if !check.CanDowngrade {
		check.Message = "reduce usage before downgrading: " + strings.Join(parts, ", ")
	}
	return check, nil
}
