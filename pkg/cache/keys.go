package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// TenantPrefix is the key prefix of all entries belonging to a tenant.
// The id is query-escaped so a ':' or a glob character in it cannot reach
// into another tenant's keys.
func TenantPrefix(tenantID string) string {
	return "tenant:" + url.QueryEscape(tenantID) + ":"
}

// Fingerprint builds a cache key from a tenant, an operation and its input.
// The input is hashed from its JSON encoding; encoding/json sorts map keys,
// so equal inputs give equal keys.
//
// Format: tenant:{tenant}:{operation}:{sha256(input)[:16]}
func Fingerprint(tenantID, operation string, input any) (string, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("failed to encode cache input: %w", err)
	}
	sum := sha256.Sum256(raw)
	return TenantPrefix(tenantID) + operation + ":" + hex.EncodeToString(sum[:])[:16], nil
}

// Fetch is ComputeOrFetch for JSON-encodable values
func Fetch[T any](ctx context.Context, m *Manager, key string, ttl time.Duration, compute func(ctx context.Context) (T, error)) (T, error) {
	var out T
	raw, err := m.ComputeOrFetch(ctx, key, ttl, func(ctx context.Context) ([]byte, error) {
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("failed to decode cached value %s: %w", key, err)
	}
	return out, nil
}
