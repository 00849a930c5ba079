package events

import (
	"context"

	"github.com/biznespilot/governor/pkg/observability"
)

// CacheInvalidator drops a tenant's cached results
type CacheInvalidator interface {
	InvalidateTenant(ctx context.Context, tenantID string) (int, error)
}

// RegisterCacheInvalidation clears a tenant's cached results whenever its
// subscription changes, since cached outputs may depend on plan features.
func RegisterCacheInvalidation(b *Bus, cache CacheInvalidator, logger *observability.Logger) {
	On(b, "cache-invalidation", func(ctx context.Context, e SubscriptionChanged) error {
		n, err := cache.InvalidateTenant(ctx, e.TenantID)
		if err != nil {
			return err
		}
		logger.WithTenant(e.TenantID).WithField("entries", n).Debug("Invalidated tenant cache after subscription change")
		return nil
	})
}

// RegisterMetrics records usage, quota and integration events as Prometheus
// counters.
func RegisterMetrics(b *Bus, m *observability.Metrics) {
	if m == nil {
		return
	}
	On(b, "metrics", func(_ context.Context, e UsageRecorded) error {
		m.UsageIncrementsTotal.WithLabelValues(e.LimitKey).Add(float64(e.Delta))
		return nil
	})
	On(b, "metrics", func(_ context.Context, e QuotaThresholdReached) error {
		m.QuotaThresholdTotal.WithLabelValues(e.LimitKey).Inc()
		return nil
	})
	On(b, "metrics", func(_ context.Context, e IntegrationAbuseDetected) error {
		m.AbuseDetectionsTotal.WithLabelValues(e.Provider, string(e.AbuseType)).Inc()
		return nil
	})
	On(b, "metrics", func(_ context.Context, e IntegrationBound) error {
		m.IntegrationBindingsTotal.WithLabelValues(e.Provider, "bound").Inc()
		return nil
	})
	On(b, "metrics", func(_ context.Context, e IntegrationReleased) error {
		m.IntegrationBindingsTotal.WithLabelValues(e.Provider, "released").Inc()
		return nil
	})
}

// RegisterLogging writes quota warnings and abuse detections to the log
func RegisterLogging(b *Bus, logger *observability.Logger) {
	On(b, "logging", func(_ context.Context, e QuotaThresholdReached) error {
		logger.WithTenant(e.TenantID).WithFields(map[string]any{
			"limit":   e.LimitKey,
			"current": e.Current,
			"max":     e.Limit,
		}).Warn("Quota warning threshold reached")
		return nil
	})
	On(b, "logging", func(_ context.Context, e IntegrationAbuseDetected) error {
		logger.WithTenant(e.TenantID).WithFields(map[string]any{
			"provider":   e.Provider,
			"account":    e.AccountID,
			"abuse_type": string(e.AbuseType),
		}).Warn("Integration abuse detected")
		return nil
	})
}
