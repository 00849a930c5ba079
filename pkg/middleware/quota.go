package middleware

import (
	"net/http"

	"github.com/biznespilot/governor/pkg/gate"
	"github.com/biznespilot/governor/pkg/httputil"
)

// QuotaMiddleware guards routes that are not orchestrated operations with
// plan feature checks.
//
// REQUIRES: TenantMiddleware must run before this middleware. Without a
// tenant the request is rejected rather than silently admitted.
type QuotaMiddleware struct {
	gate *gate.Gate
}

// NewQuotaMiddleware creates a new QuotaMiddleware
func NewQuotaMiddleware(g *gate.Gate) *QuotaMiddleware {
	return &QuotaMiddleware{gate: g}
}

// RequireFeature rejects tenants whose plan lacks featureKey
func (m *QuotaMiddleware) RequireFeature(featureKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID := GetTenantID(r)
			if tenantID == "" {
				httputil.WriteErrorCode(w, http.StatusUnauthorized, httputil.CodeUnauthenticated, "authentication required")
				return
			}
			if err := m.gate.CheckFeature(r.Context(), tenantID, featureKey); err != nil {
				httputil.WriteGovernanceError(w, err, httputil.RequestLang(r))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
