package billing

import (
	"errors"
	"time"

	"github.com/biznespilot/governor/pkg/plans"
)

// EventType is the kind of a billing webhook delivery
type EventType string

const (
	EventSubscriptionCreated   EventType = "subscription.created"
	EventSubscriptionUpdated   EventType = "subscription.updated"
	EventSubscriptionRenewed   EventType = "subscription.renewed"
	EventSubscriptionCancelled EventType = "subscription.cancelled"
	EventSubscriptionExpired   EventType = "subscription.expired"
	EventTrialStarted          EventType = "trial.started"
)

// Webhook errors
var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrStaleEvent       = errors.New("webhook event is too old")
	ErrInvalidEvent     = errors.New("invalid webhook event")
	ErrUnknownPlan      = errors.New("unknown plan")
)

// SubscriptionData is the subscription state carried by an event
type SubscriptionData struct {
	TenantID    string       `json:"tenant_id"`
	TenantName  string       `json:"tenant_name,omitempty"`
	PlanID      string       `json:"plan_id"`
	Status      plans.Status `json:"status,omitempty"`
	EndsAt      *time.Time   `json:"ends_at,omitempty"`
	TrialEndsAt *time.Time   `json:"trial_ends_at,omitempty"`
}

// WebhookEvent is one delivery from the billing provider
type WebhookEvent struct {
	ID      string           `json:"id"`
	Type    EventType        `json:"type"`
	Created int64            `json:"created"`
	Data    SubscriptionData `json:"data"`
}

// Result reports what a delivery changed
type Result struct {
	EventID      string              `json:"event_id"`
	Duplicate    bool                `json:"duplicate"`
	Subscription *plans.Subscription `json:"subscription,omitempty"`
}
