// Package contextkeys provides centralized context key definitions
//
// All request-scoped context keys shared between packages are defined here.
// Package-private state, such as the cache request scope, keeps its own
// unexported key.
//
// USAGE PATTERN:
//
//	ctx = contextkeys.WithPrincipal(ctx, principal)
//	p, _ := ctx.Value(contextkeys.PrincipalKey).(*middleware.Principal)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// PrincipalKey contains *middleware.Principal
	// Set by: middleware.AuthMiddleware (pkg/middleware/auth.go)
	// Required by: middleware.TenantMiddleware, all tenant-scoped API endpoints
	PrincipalKey Key = "principal"

	// TenantKey contains the resolved tenant ID string
	// Set by: middleware.TenantMiddleware (pkg/middleware/tenant.go)
	// Required by: rate limit and gate middleware, API handlers
	TenantKey Key = "tenant_id"
)

// WithPrincipal adds the authenticated principal to the context
func WithPrincipal(ctx context.Context, principal interface{}) context.Context {
	return context.WithValue(ctx, PrincipalKey, principal)
}

// WithTenant adds the resolved tenant ID to the context
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantKey, tenantID)
}

// GetTenant retrieves the tenant ID from context
func GetTenant(ctx context.Context) string {
	if tenantID, ok := ctx.Value(TenantKey).(string); ok {
		return tenantID
	}
	return ""
}
