package gate

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Operation describes a governed tenant action
type Operation struct {
	Key string `json:"key"`

	// FeatureKey must be enabled on the plan; empty means no feature check
	FeatureKey string `json:"feature_key,omitempty"`

	// LimitKey is the quota consumed on success; empty means unmetered
	LimitKey string `json:"limit_key,omitempty"`

	// Cost is the amount of LimitKey consumed per success (defaults to 1)
	Cost int64 `json:"cost"`

	// Class is the rate-limit class
	Class string `json:"class"`

	// Algorithm names the compute behind the operation, when it has one
	Algorithm string `json:"algorithm,omitempty"`

	// CacheTTL enables result caching when positive
	CacheTTL time.Duration `json:"cache_ttl,omitempty"`
}

// Registry maps operation keys to their definitions
type Registry struct {
	mu  sync.RWMutex
	ops map[string]Operation
}

// NewRegistry creates a registry holding ops
func NewRegistry(ops ...Operation) *Registry {
	r := &Registry{ops: make(map[string]Operation, len(ops))}
	for _, op := range ops {
		if err := r.Register(op); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds or replaces an operation
func (r *Registry) Register(op Operation) error {
	if op.Key == "" {
		return fmt.Errorf("operation key is required")
	}
	if op.Cost <= 0 {
		op.Cost = 1
	}
	if op.Class == "" {
		op.Class = "single"
	}
	r.mu.Lock()
	r.ops[op.Key] = op
	r.mu.Unlock()
	return nil
}

// Lookup returns the operation registered under key
func (r *Registry) Lookup(key string) (Operation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.ops[key]
	return op, ok
}

// List returns all operations ordered by key
func (r *Registry) List() []Operation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Operation, 0, len(r.ops))
	for _, op := range r.ops {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// DefaultRegistry returns the operations of the analytics service
func DefaultRegistry() *Registry {
	return NewRegistry(
		Operation{Key: "diagnostic.run", FeatureKey: "diagnostics", LimitKey: "diagnostics", Class: "diagnostic", Algorithm: "diagnostic", CacheTTL: 5 * time.Minute},
		Operation{Key: "algorithm.health_score", FeatureKey: "algorithms", LimitKey: "ai_requests", Class: "algorithm", Algorithm: "health_score", CacheTTL: 30 * time.Minute},
		Operation{Key: "algorithm.funnel_analysis", FeatureKey: "algorithms", LimitKey: "ai_requests", Class: "algorithm", Algorithm: "funnel_analysis", CacheTTL: 30 * time.Minute},
		Operation{Key: "algorithm.engagement", FeatureKey: "algorithms", LimitKey: "ai_requests", Class: "algorithm", Algorithm: "engagement", CacheTTL: 30 * time.Minute},
		Operation{Key: "report.generate", LimitKey: "reports", Class: "single", Algorithm: "diagnostic", CacheTTL: time.Hour},
		Operation{Key: "lead.create", LimitKey: "monthly_leads", Class: "single"},
		Operation{Key: "integration.instagram.connect", LimitKey: "instagram_accounts", Class: "single"},
		Operation{Key: "hr.bot.message", FeatureKey: "hr_bot", Class: "single"},
		Operation{Key: "batch.diagnostic", FeatureKey: "diagnostics", LimitKey: "diagnostics", Class: "batch", Algorithm: "diagnostic", CacheTTL: 24 * time.Hour},
	)
}
