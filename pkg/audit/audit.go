// Package audit keeps a queryable trail of governance events per tenant:
// denials, usage, quota warnings, integration bindings and abuse detections.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/biznespilot/governor/pkg/events"
	"github.com/biznespilot/governor/pkg/observability"
)

// Record is one stored event
type Record struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenant_id"`
	EventType  events.Type     `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Filter narrows a search. Zero fields match everything.
type Filter struct {
	TenantID string
	Types    []events.Type
	Since    time.Time
	Until    time.Time
	Limit    int
	Offset   int
}

// DefaultLimit caps searches that do not set Limit
const DefaultLimit = 100

// MaxLimit is the largest page a search returns
const MaxLimit = 1000

// Store persists audit records
type Store interface {
	Append(ctx context.Context, r *Record) error
	Search(ctx context.Context, f Filter) ([]*Record, error)
	// Cleanup deletes records older than before and returns how many
	Cleanup(ctx context.Context, before time.Time) (int64, error)
}

// ErrInvalidRecord is returned when a record lacks a tenant or type
var ErrInvalidRecord = errors.New("audit record requires tenant and event type")

// NewRecord converts an event into a record stamped at now
func NewRecord(e events.Event, now time.Time) (*Record, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", e.Type(), err)
	}
	return &Record{
		ID:         uuid.NewString(),
		TenantID:   e.Tenant(),
		EventType:  e.Type(),
		OccurredAt: now.UTC(),
		Payload:    payload,
	}, nil
}

// Recorder writes every bus event to a store
type Recorder struct {
	store  Store
	logger *observability.Logger
	now    func() time.Time
}

// NewRecorder creates a recorder
func NewRecorder(store Store, logger *observability.Logger) *Recorder {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Recorder{store: store, logger: logger, now: time.Now}
}

// Subscribe registers the recorder for every event type
func (r *Recorder) Subscribe(bus *events.Bus) {
	for _, t := range events.AllTypes() {
		bus.Subscribe(t, "audit", r.Handle)
	}
}

// Handle stores one event
func (r *Recorder) Handle(ctx context.Context, e events.Event) error {
	rec, err := NewRecord(e, r.now())
	if err != nil {
		return err
	}
	if err := r.store.Append(ctx, rec); err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}
