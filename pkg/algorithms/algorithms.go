// Package algorithms holds the compute units behind governed operations.
// The orchestrator treats them as opaque: JSON in, JSON-encodable value out.
package algorithms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

var (
	// ErrUnknownAlgorithm is returned when no algorithm is registered under a name
	ErrUnknownAlgorithm = errors.New("unknown algorithm")
	// ErrInvalidInput is returned when input cannot be decoded
	ErrInvalidInput = errors.New("invalid algorithm input")
)

// Algorithm computes a result from a JSON input
type Algorithm interface {
	Name() string
	Run(ctx context.Context, input json.RawMessage) (any, error)
}

// Func adapts a function to the Algorithm interface
type Func struct {
	ID string
	Fn func(ctx context.Context, input json.RawMessage) (any, error)
}

func (f Func) Name() string { return f.ID }

func (f Func) Run(ctx context.Context, input json.RawMessage) (any, error) {
	return f.Fn(ctx, input)
}

// Registry maps names to algorithms
type Registry struct {
	mu    sync.RWMutex
	algos map[string]Algorithm
}

// NewRegistry creates a registry holding algos
func NewRegistry(algos ...Algorithm) *Registry {
	r := &Registry{algos: make(map[string]Algorithm, len(algos))}
	for _, a := range algos {
		r.Register(a)
	}
	return r
}

// DefaultRegistry returns the built-in algorithms
func DefaultRegistry() *Registry {
	return NewRegistry(HealthScore{}, FunnelAnalysis{}, Engagement{}, Diagnostic{})
}

// Register adds or replaces an algorithm
func (r *Registry) Register(a Algorithm) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.algos[a.Name()] = a
}

// Lookup returns the algorithm registered under name
func (r *Registry) Lookup(name string) (Algorithm, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.algos[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, name)
	}
	return a, nil
}

// Names lists registered algorithms in order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.algos))
	for name := range r.algos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run looks up name and runs it
func (r *Registry) Run(ctx context.Context, name string, input json.RawMessage) (any, error) {
	a, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return a.Run(ctx, input)
}

// decode unmarshals input into T, treating empty input as the zero value
func decode[T any](input json.RawMessage) (T, error) {
	var v T
	if len(bytes.TrimSpace(input)) == 0 || string(bytes.TrimSpace(input)) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(input, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return v, nil
}

// Level buckets a 0-100 score
type Level string

const (
	LevelExcellent Level = "excellent"
	LevelGood      Level = "good"
	LevelAverage   Level = "average"
	LevelPoor      Level = "poor"
)

func levelOf(score int) Level {
	switch {
	case score >= 80:
		return LevelExcellent
	case score >= 60:
		return LevelGood
	case score >= 40:
		return LevelAverage
	}
	return LevelPoor
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
