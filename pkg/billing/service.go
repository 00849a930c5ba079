package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/biznespilot/governor/pkg/events"
	"github.com/biznespilot/governor/pkg/observability"
	"github.com/biznespilot/governor/pkg/plans"
)

// Publisher receives subscription change events
type Publisher interface {
	Publish(e events.Event) error
}

// Config configures webhook processing
type Config struct {
	Secret string
	// MaxSkew rejects events created longer ago than this; zero disables it
	MaxSkew time.Duration
	// SeenEvents bounds the redelivery dedupe window
	SeenEvents int
	SeenTTL    time.Duration
}

// Service applies signed billing webhook events to tenant subscriptions
type Service struct {
	config    Config
	subs      plans.SubscriptionStore
	catalogue plans.Provider
	publisher Publisher
	logger    *observability.Logger
	seen      *expirable.LRU[string, struct{}]
	now       func() time.Time
}

// NewService creates a webhook processor. publisher may be nil.
func NewService(cfg Config, subs plans.SubscriptionStore, catalogue plans.Provider, publisher Publisher, logger *observability.Logger) *Service {
	if cfg.SeenEvents <= 0 {
		cfg.SeenEvents = 10000
	}
	if cfg.SeenTTL <= 0 {
		cfg.SeenTTL = 24 * time.Hour
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Service{
		config:    cfg,
		subs:      subs,
		catalogue: catalogue,
		publisher: publisher,
		logger:    logger,
		seen:      expirable.NewLRU[string, struct{}](cfg.SeenEvents, nil, cfg.SeenTTL),
		now:       time.Now,
	}
}

// HandleWebhook verifies, parses and applies one delivery.
// Redelivered event IDs are acknowledged without being applied again.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) (*Result, error) {
	if !VerifySignature(payload, signature, s.config.Secret) {
		return nil, ErrInvalidSignature
	}

	var event WebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if event.ID == "" || event.Data.TenantID == "" {
		return nil, fmt.Errorf("%w: id and tenant_id are required", ErrInvalidEvent)
	}
	if s.config.MaxSkew > 0 && event.Created > 0 {
		if s.now().Sub(time.Unix(event.Created, 0)) > s.config.MaxSkew {
			return nil, ErrStaleEvent
		}
	}

	if _, dup := s.seen.Get(event.ID); dup {
		return &Result{EventID: event.ID, Duplicate: true}, nil
	}

	sub, err := s.apply(ctx, &event)
	if err != nil {
		return nil, err
	}
	s.seen.Add(event.ID, struct{}{})
	return &Result{EventID: event.ID, Subscription: sub}, nil
}

func (s *Service) apply(ctx context.Context, event *WebhookEvent) (*plans.Subscription, error) {
	data := event.Data
	logger := s.logger.WithTenant(data.TenantID).WithFields(map[string]any{
		"event_id":   event.ID,
		"event_type": string(event.Type),
	})

	previous, err := s.subs.GetSubscription(ctx, data.TenantID)
	if err != nil && !errors.Is(err, plans.ErrSubscriptionNotFound) {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}

	next := &plans.Subscription{
		TenantID:    data.TenantID,
		PlanID:      data.PlanID,
		EndsAt:      data.EndsAt,
		TrialEndsAt: data.TrialEndsAt,
		UpdatedAt:   s.now().UTC(),
	}

	switch event.Type {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionRenewed:
		next.Status = data.Status
		if next.Status == "" {
			next.Status = plans.StatusActive
		}
		if next.EndsAt == nil && next.Status == plans.StatusActive {
			return nil, fmt.Errorf("%w: ends_at is required for an active subscription", ErrInvalidEvent)
		}
	case EventTrialStarted:
		next.Status = plans.StatusTrialing
		if next.TrialEndsAt == nil {
			return nil, fmt.Errorf("%w: trial_ends_at is required", ErrInvalidEvent)
		}
	case EventSubscriptionCancelled, EventSubscriptionExpired:
		next.Status = plans.StatusCancelled
		if event.Type == EventSubscriptionExpired {
			next.Status = plans.StatusExpired
		}
		if previous != nil {
			if next.PlanID == "" {
				next.PlanID = previous.PlanID
			}
			if next.EndsAt == nil {
				next.EndsAt = previous.EndsAt
			}
		}
	default:
		logger.Debug("ignoring billing event")
		return previous, nil
	}

	if !next.Status.Valid() {
		return nil, fmt.Errorf("%w: status %q", ErrInvalidEvent, next.Status)
	}
	if _, ok := s.catalogue.Current().Plan(next.PlanID); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlan, next.PlanID)
	}

	if data.TenantName != "" {
		if err := s.subs.UpsertTenant(ctx, &plans.Tenant{ID: data.TenantID, Name: data.TenantName, CreatedAt: s.now().UTC()}); err != nil {
			return nil, fmt.Errorf("failed to upsert tenant: %w", err)
		}
	}
	if err := s.subs.UpsertSubscription(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to upsert subscription: %w", err)
	}

	changed := events.SubscriptionChanged{
		TenantID: next.TenantID,
		PlanID:   next.PlanID,
		Status:   string(next.Status),
		At:       next.UpdatedAt,
	}
	if previous != nil {
		changed.OldPlanID = previous.PlanID
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(changed); err != nil {
			logger.WithError(err).Warn("failed to publish subscription change")
		}
	}

	logger.WithFields(map[string]any{
		"plan":   next.PlanID,
		"status": string(next.Status),
	}).Info("subscription updated from billing event")
	return next, nil
}
