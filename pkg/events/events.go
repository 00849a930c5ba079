// Package events carries governance domain events from the components that
// raise them to decoupled subscribers such as cache invalidation, metrics and
// the audit trail.
package events

import (
	"time"

	"github.com/biznespilot/governor/pkg/governance"
)

// Type identifies an event kind
type Type string

const (
	TypeSubscriptionChanged      Type = "subscription.changed"
	TypeUsageRecorded            Type = "usage.recorded"
	TypeQuotaThresholdReached    Type = "quota.threshold_reached"
	TypeIntegrationBound         Type = "integration.bound"
	TypeIntegrationReleased      Type = "integration.released"
	TypeIntegrationAbuseDetected Type = "integration.abuse_detected"
	TypeOperationCompleted       Type = "operation.completed"
	TypeOperationDenied          Type = "operation.denied"
)

// AllTypes lists every event type
func AllTypes() []Type {
	return []Type{
		TypeSubscriptionChanged,
		TypeUsageRecorded,
		TypeQuotaThresholdReached,
		TypeIntegrationBound,
		TypeIntegrationReleased,
		TypeIntegrationAbuseDetected,
		TypeOperationCompleted,
		TypeOperationDenied,
	}
}

// Event is implemented by every value published on the bus. Events are
// published by value.
type Event interface {
	Type() Type
	Tenant() string
}

// SubscriptionChanged is raised when a tenant's plan or status changes
type SubscriptionChanged struct {
	TenantID  string    `json:"tenant_id"`
	OldPlanID string    `json:"old_plan_id,omitempty"`
	PlanID    string    `json:"plan_id"`
	Status    string    `json:"status"`
	At        time.Time `json:"at"`
}

func (SubscriptionChanged) Type() Type       { return TypeSubscriptionChanged }
func (e SubscriptionChanged) Tenant() string { return e.TenantID }

// UsageRecorded is raised after a usage counter was incremented
type UsageRecorded struct {
	TenantID  string    `json:"tenant_id"`
	LimitKey  string    `json:"limit_key"`
	Period    string    `json:"period"`
	Delta     int64     `json:"delta"`
	Current   int64     `json:"current"`
	Limit     int64     `json:"limit,omitempty"`
	Operation string    `json:"operation"`
	At        time.Time `json:"at"`
}

func (UsageRecorded) Type() Type       { return TypeUsageRecorded }
func (e UsageRecorded) Tenant() string { return e.TenantID }

// QuotaThresholdReached is raised once usage crosses the warning ratio
type QuotaThresholdReached struct {
	TenantID string    `json:"tenant_id"`
	LimitKey string    `json:"limit_key"`
	Current  int64     `json:"current"`
	Limit    int64     `json:"limit"`
	Ratio    float64   `json:"ratio"`
	At       time.Time `json:"at"`
}

func (QuotaThresholdReached) Type() Type       { return TypeQuotaThresholdReached }
func (e QuotaThresholdReached) Tenant() string { return e.TenantID }

// IntegrationBound is raised when an external account is bound to a tenant
type IntegrationBound struct {
	TenantID    string    `json:"tenant_id"`
	Provider    string    `json:"provider"`
	AccountID   string    `json:"account_id"`
	DuringTrial bool      `json:"during_trial"`
	At          time.Time `json:"at"`
}

func (IntegrationBound) Type() Type       { return TypeIntegrationBound }
func (e IntegrationBound) Tenant() string { return e.TenantID }

// IntegrationReleased is raised when a binding is released
type IntegrationReleased struct {
	TenantID  string    `json:"tenant_id"`
	Provider  string    `json:"provider"`
	AccountID string    `json:"account_id"`
	At        time.Time `json:"at"`
}

func (IntegrationReleased) Type() Type       { return TypeIntegrationReleased }
func (e IntegrationReleased) Tenant() string { return e.TenantID }

// IntegrationAbuseDetected is raised when a binding attempt was refused
type IntegrationAbuseDetected struct {
	TenantID      string               `json:"tenant_id"`
	Provider      string               `json:"provider"`
	AccountID     string               `json:"account_id"`
	AbuseType     governance.AbuseType `json:"abuse_type"`
	OwnerTenantID string               `json:"owner_tenant_id,omitempty"`
	At            time.Time            `json:"at"`
}

func (IntegrationAbuseDetected) Type() Type       { return TypeIntegrationAbuseDetected }
func (e IntegrationAbuseDetected) Tenant() string { return e.TenantID }

// OperationCompleted is raised after a governed operation succeeded
type OperationCompleted struct {
	TenantID  string        `json:"tenant_id"`
	Operation string        `json:"operation"`
	Cached    bool          `json:"cached"`
	Duration  time.Duration `json:"duration_ns"`
	At        time.Time     `json:"at"`
}

func (OperationCompleted) Type() Type       { return TypeOperationCompleted }
func (e OperationCompleted) Tenant() string { return e.TenantID }

// OperationDenied is raised when the gate, limiter or quota refused an
// operation
type OperationDenied struct {
	TenantID  string          `json:"tenant_id"`
	Operation string          `json:"operation"`
	Code      governance.Code `json:"code"`
	Reason    string          `json:"reason"`
	At        time.Time       `json:"at"`
}

func (OperationDenied) Type() Type       { return TypeOperationDenied }
func (e OperationDenied) Tenant() string { return e.TenantID }
