package gate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biznespilot/governor/pkg/governance"
	"github.com/biznespilot/governor/pkg/plans"
	"github.com/biznespilot/governor/pkg/usage"
)

var testNow = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

func testCatalogue() *plans.Catalogue {
	c := &plans.Catalogue{
		Features: map[string]plans.FeatureDef{
			"advanced_reports": {Label: "Advanced reports"},
			"hr_bot":           {Label: "HR bot"},
		},
		Limits: map[string]plans.LimitDef{
			"reports":            {Label: "Reports", Reset: plans.ResetMonthly},
			"instagram_accounts": {Label: "Instagram accounts", Reset: plans.ResetNever},
			"monthly_leads":      {Label: "Leads", Reset: plans.ResetMonthly},
		},
		Plans: map[string]*plans.Plan{
			"basic": {ID: "basic", Features: []string{"advanced_reports"}, Limits: map[string]int64{"reports": 5, "instagram_accounts": 1, "monthly_leads": 10}},
			"tiny":  {ID: "tiny", Limits: map[string]int64{"reports": 2, "instagram_accounts": 0}},
			"pro":   {ID: "pro", Features: []string{"advanced_reports", "hr_bot"}, Limits: map[string]int64{"reports": -1}},
		},
	}
	return c
}

func testRegistry() *Registry {
	return NewRegistry(
		Operation{Key: "report.generate", FeatureKey: "advanced_reports", LimitKey: "reports"},
		Operation{Key: "hr.bot.message", FeatureKey: "hr_bot"},
		Operation{Key: "report.bulk", LimitKey: "reports", Cost: 3},
	)
}

type fixture struct {
	gate  *Gate
	subs  *plans.MemoryStore
	usage *usage.MemoryStore
}

func newFixture(t testing.TB) *fixture {
	subs := plans.NewMemoryStore()
	store := usage.NewMemoryStore()
	g := New(testCatalogue(), subs, store, testRegistry())
	g.now = func() time.Time { return testNow }
	return &fixture{gate: g, subs: subs, usage: store}
}

func (f *fixture) subscribe(t testing.TB, tenantID, planID string) {
	ends := testNow.Add(30 * 24 * time.Hour)
	require.NoError(t, f.subs.UpsertSubscription(context.Background(), &plans.Subscription{
		TenantID: tenantID, PlanID: planID, Status: plans.StatusActive, EndsAt: &ends,
	}))
}

func (f *fixture) setUsage(t *testing.T, tenantID, limitKey string, n int64) {
	if n == 0 {
		return
	}
	_, err := f.usage.Increment(context.Background(), f.gate.UsageKey(tenantID, limitKey), n)
	require.NoError(t, err)
}

func TestAuthorize_UnknownOperation(t *testing.T) {
	f := newFixture(t)
	_, err := f.gate.Authorize(context.Background(), "t1", "nope")
	require.ErrorIs(t, err, governance.ErrUnknownOperation)

	_, isGov := governance.AsError(err)
	assert.False(t, isGov, "unknown operation is not a tenant-facing error")
}

func TestAuthorize_NoActiveSubscription(t *testing.T) {
	f := newFixture(t)
	_, err := f.gate.Authorize(context.Background(), "t1", "report.generate")

	var noSub *governance.NoActiveSubscriptionError
	require.True(t, errors.As(err, &noSub))
	assert.Equal(t, "t1", noSub.TenantID)

	// lapsed subscription behaves the same
	ended := testNow.Add(-time.Minute)
	require.NoError(t, f.subs.UpsertSubscription(context.Background(), &plans.Subscription{
		TenantID: "t2", PlanID: "basic", Status: plans.StatusActive, EndsAt: &ended,
	}))
	_, err = f.gate.Authorize(context.Background(), "t2", "report.generate")
	assert.True(t, errors.As(err, &noSub))

	// subscription to a plan missing from the catalogue
	f.subscribe(t, "t3", "retired")
	_, err = f.gate.Authorize(context.Background(), "t3", "report.generate")
	assert.True(t, errors.As(err, &noSub))
}

func TestAuthorize_FeatureNotAvailable(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, "t1", "basic")

	_, err := f.gate.Authorize(context.Background(), "t1", "hr.bot.message")
	var fna *governance.FeatureNotAvailableError
	require.True(t, errors.As(err, &fna))
	assert.Equal(t, "hr_bot", fna.FeatureKey)
	assert.Equal(t, "HR bot", fna.FeatureLabel)
}

func TestAuthorize_QuotaExceeded(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, "t1", "basic")
	f.setUsage(t, "t1", "reports", 5)

	_, err := f.gate.Authorize(context.Background(), "t1", "report.generate")
	var qe *governance.QuotaExceededError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, "reports", qe.LimitKey)
	assert.Equal(t, "Reports", qe.LimitLabel)
	assert.Equal(t, int64(5), qe.Limit)
	assert.Equal(t, int64(5), qe.CurrentUsage)
}

func TestAuthorize_Allowed(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, "t1", "basic")
	f.setUsage(t, "t1", "reports", 4)

	d, err := f.gate.Authorize(context.Background(), "t1", "report.generate")
	require.NoError(t, err)
	assert.True(t, d.Limited)
	assert.Equal(t, int64(5), d.Limit)
	assert.Equal(t, int64(4), d.CurrentUsage)
	assert.Equal(t, "basic", d.Plan.ID)
	assert.Equal(t, "2026-05", d.UsageKey.Period)

	// the gate never consumes quota
	v, err := f.usage.Get(context.Background(), d.UsageKey)
	require.NoError(t, err)
	assert.Equal(t, int64(4), v)
}

func TestAuthorize_Cost(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, "t1", "basic")
	f.setUsage(t, "t1", "reports", 3)

	_, err := f.gate.Authorize(context.Background(), "t1", "report.bulk")
	assert.True(t, governance.IsQuotaExceeded(err), "3 + 3 exceeds 5")
}

func TestAuthorize_Unlimited(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, "t1", "pro")
	f.setUsage(t, "t1", "reports", 1000)

	d, err := f.gate.Authorize(context.Background(), "t1", "report.generate")
	require.NoError(t, err)
	assert.False(t, d.Limited)
}

func TestAuthorize_MonthlyCountersReset(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, "t1", "basic")
	f.setUsage(t, "t1", "reports", 5)

	_, err := f.gate.Authorize(context.Background(), "t1", "report.generate")
	require.True(t, governance.IsQuotaExceeded(err))

	f.gate.now = func() time.Time { return testNow.AddDate(0, 1, 0) }
	_, err = f.gate.Authorize(context.Background(), "t1", "report.generate")
	assert.NoError(t, err)
}

func TestQueries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.subscribe(t, "t1", "basic")
	f.setUsage(t, "t1", "reports", 4)
	f.setUsage(t, "t1", "instagram_accounts", 1)

	assert.True(t, f.gate.HasFeature(ctx, "t1", "advanced_reports"))
	assert.False(t, f.gate.HasFeature(ctx, "t1", "hr_bot"))
	assert.False(t, f.gate.HasFeature(ctx, "nobody", "advanced_reports"))

	assert.True(t, f.gate.CanAdd(ctx, "t1", "reports", 1))
	assert.False(t, f.gate.CanAdd(ctx, "t1", "reports", 2))
	assert.False(t, f.gate.CanAdd(ctx, "t1", "instagram_accounts", 1))

	remaining, unlimited, err := f.gate.RemainingQuota(ctx, "t1", "reports")
	require.NoError(t, err)
	assert.False(t, unlimited)
	assert.Equal(t, int64(1), remaining)

	remaining, _, err = f.gate.RemainingQuota(ctx, "nobody", "reports")
	require.NoError(t, err)
	assert.Equal(t, int64(0), remaining)

	limit, err := f.gate.GetLimit(ctx, "t1", "unknown")
	require.NoError(t, err)
	assert.Equal(t, plans.Unlimited, limit)

	err = f.gate.CheckQuota(ctx, "t1", "reports", 2)
	assert.True(t, governance.IsQuotaExceeded(err))
}

func TestUsageStats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.subscribe(t, "t1", "basic")
	f.setUsage(t, "t1", "reports", 4)
	f.setUsage(t, "t1", "instagram_accounts", 1)

	stats, err := f.gate.UsageStats(ctx, "t1")
	require.NoError(t, err)

	reports := stats["reports"]
	assert.Equal(t, int64(4), reports.Current)
	assert.Equal(t, int64(5), reports.Limit)
	require.NotNil(t, reports.Remaining)
	assert.Equal(t, int64(1), *reports.Remaining)
	assert.Equal(t, 80, reports.Percentage)
	assert.True(t, reports.IsWarning)
	assert.False(t, reports.IsExceeded)

	ig := stats["instagram_accounts"]
	assert.True(t, ig.IsExceeded)
	assert.Equal(t, 100, ig.Percentage)

	f.subscribe(t, "t2", "pro")
	stats, err = f.gate.UsageStats(ctx, "t2")
	require.NoError(t, err)
	assert.True(t, stats["reports"].IsUnlimited)
	assert.Nil(t, stats["reports"].Remaining)

	stats, err = f.gate.UsageStats(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, stats)
}

func TestEnabledFeatures(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, "t1", "basic")

	features, err := f.gate.EnabledFeatures(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, features["advanced_reports"].Enabled)
	assert.False(t, features["hr_bot"].Enabled)
	assert.Equal(t, "HR bot", features["hr_bot"].Label)
}

func TestCanDowngradeTo(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.subscribe(t, "t1", "basic")
	f.setUsage(t, "t1", "reports", 4)
	f.setUsage(t, "t1", "instagram_accounts", 1)

	check, err := f.gate.CanDowngradeTo(ctx, "t1", "tiny")
	require.NoError(t, err)
	assert.False(t, check.CanDowngrade)
	require.Len(t, check.Issues, 2)
	assert.Equal(t, "instagram_accounts", check.Issues[0].Key)
	assert.Equal(t, "reports", check.Issues[1].Key)
	assert.Equal(t, int64(2), check.Issues[1].NewLimit)
	assert.NotEmpty(t, check.Message)

	check, err = f.gate.CanDowngradeTo(ctx, "t1", "pro")
	require.NoError(t, err)
	assert.True(t, check.CanDowngrade)
	assert.Empty(t, check.Issues)

	_, err = f.gate.CanDowngradeTo(ctx, "t1", "missing")
	assert.ErrorIs(t, err, ErrUnknownPlan)
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	op, ok := r.Lookup("diagnostic.run")
	require.True(t, ok)
	assert.Equal(t, int64(1), op.Cost)
	assert.Equal(t, "diagnostic", op.Class)

	assert.Error(t, r.Register(Operation{}))
	require.NoError(t, r.Register(Operation{Key: "custom"}))
	op, _ = r.Lookup("custom")
	assert.Equal(t, "single", op.Class)

	list := r.List()
	for i := 1; i < len(list); i++ {
		assert.Less(t, list[i-1].Key, list[i].Key)
	}
}
