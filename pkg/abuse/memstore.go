package abuse

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process binding store
type MemoryStore struct {
	mu       sync.Mutex
	bindings []*Binding
}

// NewMemoryStore creates an empty binding store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) ActiveBinding(_ context.Context, account Account) (*Binding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b := m.active(account); b != nil {
		cp := *b
		return &cp, nil
	}
	return nil, nil
}

func (m *MemoryStore) active(account Account) *Binding {
	for _, b := range m.bindings {
		if b.Account == account && b.ReleasedAt == nil {
			return b
		}
	}
	return nil
}

func (m *MemoryStore) TrialTenants(_ context.Context, account Account) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, b := range m.bindings {
		if b.Account == account && b.DuringTrial && !seen[b.TenantID] {
			seen[b.TenantID] = true
			out = append(out, b.TenantID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) Create(_ context.Context, b *Binding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active(b.Account) != nil {
		return ErrAlreadyBound
	}
	cp := *b
	m.bindings = append(m.bindings, &cp)
	return nil
}

func (m *MemoryStore) Release(_ context.Context, account Account, tenantID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.active(account)
	if b == nil || b.TenantID != tenantID {
		return ErrBindingNotFound
	}
	b.ReleasedAt = &at
	return nil
}

func (m *MemoryStore) ListByTenant(_ context.Context, tenantID string) ([]*Binding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Binding
	for _, b := range m.bindings {
		if b.TenantID == tenantID && b.ReleasedAt == nil {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account.String() < out[j].Account.String() })
	return out, nil
}
