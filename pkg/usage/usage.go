// Package usage tracks per-tenant consumption counters.
//
// Counters are keyed by (tenant, limit, period). Monthly limits use the
// calendar month in UTC as period ("2026-05"); standing totals such as
// connected accounts use the Lifetime period. Every store increments a
// single key atomically and never takes a lock spanning other keys.
package usage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Lifetime is the period of counters that never reset
const Lifetime = "lifetime"

// ErrInvalidDelta is returned for non-positive increments
var ErrInvalidDelta = errors.New("delta must be positive")

// Key identifies one usage counter
type Key struct {
	TenantID string `json:"tenant_id"`
	Limit    string `json:"limit_key"`
	Period   string `json:"period"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.TenantID, k.Period, k.Limit)
}

// Period returns the monthly billing period containing t
func Period(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// PreviousPeriod returns the billing period before the one containing t
func PreviousPeriod(t time.Time) string {
	t = t.UTC()
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Period(first.AddDate(0, -1, 0))
}

// MonthlyKey returns the counter key for a monthly limit at t
func MonthlyKey(tenantID, limit string, t time.Time) Key {
	return Key{TenantID: tenantID, Limit: limit, Period: Period(t)}
}

// LifetimeKey returns the counter key for a standing total
func LifetimeKey(tenantID, limit string) Key {
	return Key{TenantID: tenantID, Limit: limit, Period: Lifetime}
}

// Counter is a stored usage value
type Counter struct {
	Key
	Count int64 `json:"count"`
}

// Store persists usage counters
type Store interface {
	// Get returns the counter value, 0 when it does not exist
	Get(ctx context.Context, key Key) (int64, error)

	// Increment adds delta and returns the new value
	Increment(ctx context.Context, key Key, delta int64) (int64, error)

	// IncrementIfBelow adds delta only when the result stays <= limit.
	// It returns the value after the call and whether the increment happened.
	IncrementIfBelow(ctx context.Context, key Key, delta, limit int64) (int64, bool, error)

	// Decrement subtracts delta, flooring at zero
	Decrement(ctx context.Context, key Key, delta int64) (int64, error)

	// List returns every counter recorded for a period
	List(ctx context.Context, period string) ([]Counter, error)

	// Prune removes monthly counters of periods before the given one
	Prune(ctx context.Context, before string) (int64, error)
}

func validDelta(delta int64) error {
	if delta <= 0 {
		return ErrInvalidDelta
	}
	return nil
}
