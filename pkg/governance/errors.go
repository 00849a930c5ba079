// Package governance defines the tenant-facing failure taxonomy shared by the
// gate, abuse detector, rate limiter and orchestrator.
//
// Every failure a tenant can observe is one of five typed errors. Callers
// dispatch on Code() or errors.As, never on message text.
package governance

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable error code
type Code string

const (
	CodeFeatureNotAvailable  Code = "FEATURE_NOT_AVAILABLE"
	CodeQuotaExceeded        Code = "QUOTA_EXCEEDED"
	CodeNoActiveSubscription Code = "NO_ACTIVE_SUBSCRIPTION"
	CodeIntegrationAbuse     Code = "INTEGRATION_ABUSE"
	CodeRateLimited          Code = "RATE_LIMITED"
)

// AbuseType classifies an integration abuse
type AbuseType string

const (
	// AbuseAlreadyConnected means the external account is bound to another tenant
	AbuseAlreadyConnected AbuseType = "already_connected"
	// AbuseTrial means the external account already consumed a trial elsewhere
	AbuseTrial AbuseType = "trial_abuse"
)

var (
	// ErrUnknownOperation is returned when an operation key is not registered.
	// It is a precondition failure, not a tenant-facing governance error.
	ErrUnknownOperation = errors.New("unknown operation")

	// ErrInvalidTenant is returned when a tenant identifier is empty
	ErrInvalidTenant = errors.New("invalid tenant")
)

// Error is implemented by every tenant-facing governance failure
type Error interface {
	error
	Code() Code
	UpgradeRequired() bool
}

// FeatureNotAvailableError is returned when the tenant's plan lacks a feature
type FeatureNotAvailableError struct {
	FeatureKey   string
	FeatureLabel string
}

func (e *FeatureNotAvailableError) Error() string {
	return fmt.Sprintf("feature %q is not available on the current plan", e.FeatureKey)
}

func (e *FeatureNotAvailableError) Code() Code            { return CodeFeatureNotAvailable }
func (e *FeatureNotAvailableError) UpgradeRequired() bool { return true }

// QuotaExceededError is returned when usage has reached the plan limit
type QuotaExceededError struct {
	LimitKey     string
	LimitLabel   string
	Limit        int64
	CurrentUsage int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: %d/%d", e.LimitKey, e.CurrentUsage, e.Limit)
}

func (e *QuotaExceededError) Code() Code            { return CodeQuotaExceeded }
func (e *QuotaExceededError) UpgradeRequired() bool { return true }

// NoActiveSubscriptionError is returned when the tenant has no usable subscription
type NoActiveSubscriptionError struct {
	TenantID string
}

func (e *NoActiveSubscriptionError) Error() string {
	if e.TenantID == "" {
		return "no active subscription"
	}
	return "no active subscription for tenant " + e.TenantID
}

func (e *NoActiveSubscriptionError) Code() Code            { return CodeNoActiveSubscription }
func (e *NoActiveSubscriptionError) UpgradeRequired() bool { return true }

// IntegrationAbuseError is returned when an external account cannot be bound
type IntegrationAbuseError struct {
	AccountIdentifier    string
	PreviousBusinessName string
	AbuseType            AbuseType
}

func (e *IntegrationAbuseError) Error() string {
	if e.PreviousBusinessName != "" {
		return fmt.Sprintf("integration abuse (%s): account %s is linked to %q", e.AbuseType, e.AccountIdentifier, e.PreviousBusinessName)
	}
	return fmt.Sprintf("integration abuse (%s): account %s", e.AbuseType, e.AccountIdentifier)
}

func (e *IntegrationAbuseError) Code() Code { return CodeIntegrationAbuse }

// UpgradeRequired is true only for trial abuse; a paid plan lifts the restriction.
func (e *IntegrationAbuseError) UpgradeRequired() bool { return e.AbuseType == AbuseTrial }

// RateLimitedError is returned when a request class ceiling is reached
type RateLimitedError struct {
	Class             string
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %ds", e.Class, e.RetryAfterSeconds)
}

func (e *RateLimitedError) Code() Code            { return CodeRateLimited }
func (e *RateLimitedError) UpgradeRequired() bool { return false }

// AsError extracts a governance error from an error chain
func AsError(err error) (Error, bool) {
	var gerr Error
	if errors.As(err, &gerr) {
		return gerr, true
	}
	return nil, false
}

// IsQuotaExceeded checks if an error is a quota exceeded error
func IsQuotaExceeded(err error) bool {
	var qe *QuotaExceededError
	return errors.As(err, &qe)
}

// IsRateLimited checks if an error is a rate limited error
func IsRateLimited(err error) bool {
	var rl *RateLimitedError
	return errors.As(err, &rl)
}

// CodeOf returns the governance code of err, or "" when err is not a governance error
func CodeOf(err error) Code {
	if gerr, ok := AsError(err); ok {
		return gerr.Code()
	}
	return ""
}
