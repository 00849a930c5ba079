package plans

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a subscription
type Status string

const (
	StatusActive    Status = "active"
	StatusTrialing  Status = "trialing"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusTrialing, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// ErrSubscriptionNotFound is returned when a tenant has no subscription record
var ErrSubscriptionNotFound = errors.New("subscription not found")

// ErrTenantNotFound is returned when a tenant record does not exist
var ErrTenantNotFound = errors.New("tenant not found")

// Subscription binds a tenant to a plan
type Subscription struct {
	TenantID    string     `json:"tenant_id"`
	PlanID      string     `json:"plan_id"`
	Status      Status     `json:"status"`
	EndsAt      *time.Time `json:"ends_at,omitempty"`
	TrialEndsAt *time.Time `json:"trial_ends_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// IsActive reports whether the subscription grants access at now.
// An active subscription needs a future EndsAt; a trial may also be
// carried by TrialEndsAt alone.
func (s *Subscription) IsActive(now time.Time) bool {
	if s == nil {
		return false
	}
	switch s.Status {
	case StatusActive:
		return s.EndsAt != nil && !s.EndsAt.Before(now)
	case StatusTrialing:
		if s.EndsAt != nil && !s.EndsAt.Before(now) {
			return true
		}
		return s.TrialEndsAt != nil && !s.TrialEndsAt.Before(now)
	}
	return false
}

// IsTrial reports whether the tenant is on an unpaid trial at now
func (s *Subscription) IsTrial(now time.Time) bool {
	return s != nil && s.Status == StatusTrialing && s.IsActive(now)
}

// Tenant is a business using the platform
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// SubscriptionStore persists tenants and their subscriptions
type SubscriptionStore interface {
	// GetSubscription returns the tenant's subscription regardless of status
	GetSubscription(ctx context.Context, tenantID string) (*Subscription, error)
	UpsertSubscription(ctx context.Context, sub *Subscription) error
	// ListSubscriptions returns subscriptions whose status is active or trialing
	ListSubscriptions(ctx context.Context) ([]*Subscription, error)

	GetTenant(ctx context.Context, tenantID string) (*Tenant, error)
	UpsertTenant(ctx context.Context, tenant *Tenant) error
}

// ActiveSubscription returns the tenant's subscription when it is active at
// now, or nil when it is missing or lapsed.
func ActiveSubscription(ctx context.Context, store SubscriptionStore, tenantID string, now time.Time) (*Subscription, error) {
	sub, err := store.GetSubscription(ctx, tenantID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !sub.IsActive(now) {
		return nil, nil
	}
	return sub, nil
}

// ActiveTenants lists tenants with an active subscription at now
func ActiveTenants(ctx context.Context, store SubscriptionStore, now time.Time) ([]string, error) {
	subs, err := store.ListSubscriptions(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(subs))
	for _, s := range subs {
		if s.IsActive(now) {
			ids = append(ids, s.TenantID)
		}
	}
	return ids, nil
}
