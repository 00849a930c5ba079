package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

type scopeKey struct{}

// Scope holds values memoized for the lifetime of one request
type Scope struct {
	mu      sync.Mutex
	entries map[string]entry
}

// WithRequestScope attaches a fresh request scope to ctx
func WithRequestScope(ctx context.Context) (context.Context, *Scope) {
	s := &Scope{entries: make(map[string]entry)}
	return context.WithValue(ctx, scopeKey{}, s), s
}

func scopeFrom(ctx context.Context) *Scope {
	s, _ := ctx.Value(scopeKey{}).(*Scope)
	return s
}

func (s *Scope) get(key string, now time.Time) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if !now.Before(e.expiresAt) {
		delete(s.entries, key)
		return nil, false
	}
	return e.value, true
}

func (s *Scope) set(key string, e entry) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
}

func (s *Scope) remove(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

func (s *Scope) removePrefix(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			delete(s.entries, k)
		}
	}
}

// Len returns the number of entries in the scope
func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Clear drops every entry; called when the request ends
func (s *Scope) Clear() {
	s.mu.Lock()
	s.entries = make(map[string]entry)
	s.mu.Unlock()
}
