// Package abuse guards external integration accounts against being shared
// across tenants or recycled to obtain repeated trials.
package abuse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/biznespilot/governor/pkg/governance"
	"github.com/biznespilot/governor/pkg/observability"
	"github.com/biznespilot/governor/pkg/plans"
)

// Account identifies an external account on a provider (instagram, telegram...)
type Account struct {
	Provider string `json:"provider"`
	ID       string `json:"account_id"`
}

func (a Account) String() string {
	return a.Provider + ":" + a.ID
}

// Binding records an account connected to a tenant
type Binding struct {
	Account     Account    `json:"account"`
	TenantID    string     `json:"tenant_id"`
	DuringTrial bool       `json:"during_trial"`
	BoundAt     time.Time  `json:"bound_at"`
	ReleasedAt  *time.Time `json:"released_at,omitempty"`
}

var (
	// ErrAlreadyBound is returned by a store when another live binding exists
	ErrAlreadyBound = errors.New("account already bound")
	// ErrBindingNotFound is returned when releasing an account that is not bound
	ErrBindingNotFound = errors.New("binding not found")
)

// Store persists integration bindings. Released bindings are kept so that
// trial history outlives the connection.
type Store interface {
	// ActiveBinding returns the live binding of an account, or nil
	ActiveBinding(ctx context.Context, account Account) (*Binding, error)

	// TrialTenants lists tenants that bound the account while on a trial
	TrialTenants(ctx context.Context, account Account) ([]string, error)

	// Create inserts a live binding, returning ErrAlreadyBound when one exists
	Create(ctx context.Context, b *Binding) error

	// Release ends the tenant's live binding of the account
	Release(ctx context.Context, account Account, tenantID string, at time.Time) error

	// ListByTenant returns the tenant's live bindings
	ListByTenant(ctx context.Context, tenantID string) ([]*Binding, error)
}

// Detector decides whether an account may be bound to a tenant
type Detector struct {
	store  Store
	subs   plans.SubscriptionStore
	logger *observability.Logger
	now    func() time.Time
}

// NewDetector creates an abuse detector
func NewDetector(store Store, subs plans.SubscriptionStore, logger *observability.Logger) *Detector {
	return &Detector{store: store, subs: subs, logger: logger, now: time.Now}
}

// CheckBinding returns nil when account may be bound to tenantID:
//   - a live binding to another tenant is already_connected abuse
//   - a live binding to the same tenant is fine
//   - an account that carried another tenant's trial cannot carry a new
//     trial (trial_abuse); a paid plan may bind it
func (d *Detector) CheckBinding(ctx context.Context, account Account, tenantID string) error {
	active, err := d.store.ActiveBinding(ctx, account)
	if err != nil {
		return fmt.Errorf("failed to load binding: %w", err)
	}
	if active != nil {
		if active.TenantID == tenantID {
			return nil
		}
		return &governance.IntegrationAbuseError{
			AccountIdentifier:    account.ID,
			PreviousBusinessName: d.tenantName(ctx, active.TenantID),
			AbuseType:            governance.AbuseAlreadyConnected,
		}
	}

	trialing, err := d.isTrialing(ctx, tenantID)
	if err != nil {
		return err
	}
	if !trialing {
		return nil
	}

	previous, err := d.store.TrialTenants(ctx, account)
	if err != nil {
		return fmt.Errorf("failed to load trial history: %w", err)
	}
	for _, other := range previous {
		if other != tenantID {
			return &governance.IntegrationAbuseError{
				AccountIdentifier:    account.ID,
				PreviousBusinessName: d.tenantName(ctx, other),
				AbuseType:            governance.AbuseTrial,
			}
		}
	}
	return nil
}

// Bind records the binding after the integration was set up successfully.
// created is false when the tenant already held the account. A concurrent
// bind by another tenant that won the race turns into already_connected.
func (d *Detector) Bind(ctx context.Context, account Account, tenantID string) (b *Binding, created bool, err error) {
	if err := d.CheckBinding(ctx, account, tenantID); err != nil {
		return nil, false, err
	}

	active, err := d.store.ActiveBinding(ctx, account)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load binding: %w", err)
	}
	if active != nil && active.TenantID == tenantID {
		return active, false, nil
	}

	trialing, err := d.isTrialing(ctx, tenantID)
	if err != nil {
		return nil, false, err
	}
	b = &Binding{Account: account, TenantID: tenantID, DuringTrial: trialing, BoundAt: d.now().UTC()}
	if err := d.store.Create(ctx, b); err != nil {
		if errors.Is(err, ErrAlreadyBound) {
			return d.lostRace(ctx, account, tenantID)
		}
		return nil, false, fmt.Errorf("failed to bind account: %w", err)
	}

	d.logger.WithTenant(tenantID).WithFields(map[string]any{
		"provider":     account.Provider,
		"account_id":   account.ID,
		"during_trial": trialing,
	}).Info("integration account bound")
	return b, true, nil
}

// lostRace resolves a Create that found a live binding inserted after the
// checks ran
func (d *Detector) lostRace(ctx context.Context, account Account, tenantID string) (*Binding, bool, error) {
	active, err := d.store.ActiveBinding(ctx, account)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load binding: %w", err)
	}
	if active != nil && active.TenantID == tenantID {
		return active, false, nil
	}
	if err := d.CheckBinding(ctx, account, tenantID); err != nil {
		return nil, false, err
	}
	previous := ""
	if active != nil {
		previous = d.tenantName(ctx, active.TenantID)
	}
	return nil, false, &governance.IntegrationAbuseError{
		AccountIdentifier:    account.ID,
		PreviousBusinessName: previous,
		AbuseType:            governance.AbuseAlreadyConnected,
	}
}

// Release disconnects the account from the tenant
func (d *Detector) Release(ctx context.Context, account Account, tenantID string) error {
	if err := d.store.Release(ctx, account, tenantID, d.now().UTC()); err != nil {
		return err
	}
	d.logger.WithTenant(tenantID).WithField("account", account.String()).Info("integration account released")
	return nil
}

// Bindings lists the tenant's live bindings
func (d *Detector) Bindings(ctx context.Context, tenantID string) ([]*Binding, error) {
	return d.store.ListByTenant(ctx, tenantID)
}

func (d *Detector) isTrialing(ctx context.Context, tenantID string) (bool, error) {
	sub, err := d.subs.GetSubscription(ctx, tenantID)
	if errors.Is(err, plans.ErrSubscriptionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load subscription: %w", err)
	}
	return sub.IsTrial(d.now()), nil
}

func (d *Detector) tenantName(ctx context.Context, tenantID string) string {
	t, err := d.subs.GetTenant(ctx, tenantID)
	if err != nil {
		if !errors.Is(err, plans.ErrTenantNotFound) {
			d.logger.WithError(err).WithTenant(tenantID).Warn("failed to resolve tenant name")
		}
		return ""
	}
	return t.Name
}
