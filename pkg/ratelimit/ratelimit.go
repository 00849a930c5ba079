// Package ratelimit enforces per-tenant request ceilings per operation class
// using fixed windows. Requests without a tenant share a global key.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/biznespilot/governor/pkg/governance"
)

// Class groups operations that share a ceiling
type Class string

const (
	ClassDiagnostic Class = "diagnostic"
	ClassAlgorithm  Class = "algorithm"
	ClassBatch      Class = "batch"
	ClassSingle     Class = "single"
	ClassGlobal     Class = "global"
)

// GlobalKey is the subject used when no tenant is known
const GlobalKey = "global"

// Limit is a ceiling per window
type Limit struct {
	Requests int           `json:"requests"`
	Window   time.Duration `json:"window"`
}

// Config holds the per-class limits
type Config struct {
	Limits map[Class]Limit

	// Default applies to classes missing from Limits
	Default Limit

	// FailOpen admits requests when the backing store is unreachable
	FailOpen bool
}

// DefaultConfig returns per-minute ceilings for the analytics service
func DefaultConfig() Config {
	return Config{
		Limits: map[Class]Limit{
			ClassDiagnostic: {Requests: 600, Window: time.Minute},
			ClassAlgorithm:  {Requests: 2000, Window: time.Minute},
			ClassBatch:      {Requests: 50, Window: time.Minute},
			ClassSingle:     {Requests: 600, Window: time.Minute},
			ClassGlobal:     {Requests: 3000, Window: time.Minute},
		},
		Default:  Limit{Requests: 600, Window: time.Minute},
		FailOpen: true,
	}
}

// LimitFor returns the ceiling of a class
func (c Config) LimitFor(class Class) Limit {
	if l, ok := c.Limits[class]; ok && l.Requests > 0 && l.Window > 0 {
		return l
	}
	return c.Default
}

// Classes returns the configured classes in sorted order
func (c Config) Classes() []Class {
	out := make([]Class, 0, len(c.Limits))
	for class := range c.Limits {
		out = append(out, class)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Limiter admits or rejects requests for a (tenant, class) pair
type Limiter interface {
	// TryAcquire consumes one slot or returns *governance.RateLimitedError
	TryAcquire(ctx context.Context, tenantID string, class Class) error

	// Remaining returns the slots left in the current window
	Remaining(ctx context.Context, tenantID string, class Class) (int, error)

	// AvailableIn returns the time until the current window resets
	AvailableIn(ctx context.Context, tenantID string, class Class) (time.Duration, error)

	// Reset clears the window for a (tenant, class) pair
	Reset(ctx context.Context, tenantID string, class Class) error
}

// Key returns the limiter key of a tenant and class
func Key(tenantID string, class Class) string {
	if tenantID == "" {
		tenantID = GlobalKey
	}
	return fmt.Sprintf("rate_limit:%s:%s", class, tenantID)
}

// RetryAfterSeconds rounds a wait up to whole seconds, never below one
func RetryAfterSeconds(wait time.Duration) int {
	secs := int(math.Ceil(wait.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func limited(class Class, wait time.Duration) error {
	return &governance.RateLimitedError{Class: string(class), RetryAfterSeconds: RetryAfterSeconds(wait)}
}

// ClassStats reports the state of one class for a tenant
type ClassStats struct {
	Class       Class `json:"class"`
	Limit       int   `json:"limit"`
	Remaining   int   `json:"remaining"`
	WindowSecs  int   `json:"window_seconds"`
	AvailableIn int   `json:"available_in_seconds"`
}

// Stats reports every configured class for a tenant
func Stats(ctx context.Context, l Limiter, cfg Config, tenantID string) ([]ClassStats, error) {
	classes := cfg.Classes()
	out := make([]ClassStats, 0, len(classes))
	for _, class := range classes {
		limit := cfg.LimitFor(class)
		remaining, err := l.Remaining(ctx, tenantID, class)
		if err != nil {
			return nil, err
		}
		wait, err := l.AvailableIn(ctx, tenantID, class)
		if err != nil {
			return nil, err
		}
		stats := ClassStats{
			Class:      class,
			Limit:      limit.Requests,
			Remaining:  remaining,
			WindowSecs: int(limit.Window / time.Second),
		}
		if remaining == 0 {
			stats.AvailableIn = RetryAfterSeconds(wait)
		}
		out = append(out, stats)
	}
	return out, nil
}
