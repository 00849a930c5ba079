package plans

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process SubscriptionStore
type MemoryStore struct {
	mu      sync.RWMutex
	subs    map[string]Subscription
	tenants map[string]Tenant
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs:    make(map[string]Subscription),
		tenants: make(map[string]Tenant),
	}
}

func (m *MemoryStore) GetSubscription(_ context.Context, tenantID string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[tenantID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return &sub, nil
}

func (m *MemoryStore) UpsertSubscription(_ context.Context, sub *Subscription) error {
	if !sub.Status.Valid() {
		return fmt.Errorf("invalid subscription status %q", sub.Status)
	}
	sub.UpdatedAt = time.Now().UTC()
	m.mu.Lock()
	m.subs[sub.TenantID] = *sub
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) ListSubscriptions(_ context.Context) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		if s.Status == StatusActive || s.Status == StatusTrialing {
			s := s
			out = append(out, &s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

func (m *MemoryStore) GetTenant(_ context.Context, tenantID string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[tenantID]
	if !ok {
		return nil, ErrTenantNotFound
	}
	return &t, nil
}

func (m *MemoryStore) UpsertTenant(_ context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.tenants[t.ID]; ok {
		t.CreatedAt = existing.CreatedAt
	} else if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	m.tenants[t.ID] = *t
	return nil
}
