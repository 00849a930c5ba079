package middleware

import (
	"net/http"

	"github.com/biznespilot/governor/pkg/cache"
	"github.com/biznespilot/governor/pkg/contextkeys"
	"github.com/biznespilot/governor/pkg/httputil"
	"github.com/biznespilot/governor/pkg/observability"
)

// TenantHeader lets system principals act for a specific tenant
const TenantHeader = "X-Tenant-ID"

// TenantMiddleware resolves the tenant of the request from the principal.
//
// MIDDLEWARE ORDERING REQUIREMENT:
//   - MUST run after AuthMiddleware (reads the principal)
//   - MUST run before RateLimit and RequireFeature (they read the tenant)
//
// A request without a principal is rejected with 401.
func TenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := GetPrincipal(r)
		if p == nil {
			httputil.WriteErrorCode(w, http.StatusUnauthorized, httputil.CodeUnauthenticated, "authentication required")
			return
		}

		tenantID := p.TenantID
		if p.System {
			if header := r.Header.Get(TenantHeader); header != "" {
				tenantID = header
			}
		}
		if tenantID == "" {
			httputil.WriteBadRequest(w, "tenant is required")
			return
		}

		ctx := contextkeys.WithTenant(r.Context(), tenantID)
		ctx = observability.WithTenantID(ctx, tenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetTenantID returns the tenant resolved by TenantMiddleware
func GetTenantID(r *http.Request) string {
	return contextkeys.GetTenant(r.Context())
}

// RequestCache attaches a request-scoped cache that is cleared when the
// handler returns.
func RequestCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, scope := cache.WithRequestScope(r.Context())
		defer scope.Clear()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
