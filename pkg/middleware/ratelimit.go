package middleware

import (
	"net/http"
	"strconv"

	"github.com/biznespilot/governor/pkg/governance"
	"github.com/biznespilot/governor/pkg/httputil"
	"github.com/biznespilot/governor/pkg/observability"
	"github.com/biznespilot/governor/pkg/ratelimit"
)

// RateLimitMiddleware applies a class ceiling to whole routes. Operation
// routes are limited by the orchestrator instead; this covers the read-only
// endpoints around them.
type RateLimitMiddleware struct {
	limiter ratelimit.Limiter
	config  ratelimit.Config
	metrics *observability.Metrics
}

// NewRateLimitMiddleware creates a new rate limit middleware. metrics may be nil.
func NewRateLimitMiddleware(limiter ratelimit.Limiter, config ratelimit.Config, metrics *observability.Metrics) *RateLimitMiddleware {
	return &RateLimitMiddleware{limiter: limiter, config: config, metrics: metrics}
}

// Limit returns middleware enforcing the ceiling of class. Requests without
// a resolved tenant share the global key.
func (m *RateLimitMiddleware) Limit(class ratelimit.Class) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject := GetTenantID(r)
			if subject == "" {
				subject = ratelimit.GlobalKey
			}
			limit := m.config.LimitFor(class)

			if err := m.limiter.TryAcquire(r.Context(), subject, class); err != nil {
				if m.metrics != nil && governance.IsRateLimited(err) {
					m.metrics.RateLimitRejectionsTotal.WithLabelValues(string(class)).Inc()
				}
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit.Requests))
				w.Header().Set("X-RateLimit-Remaining", "0")
				httputil.WriteGovernanceError(w, err, httputil.RequestLang(r))
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit.Requests))
			if remaining, err := m.limiter.Remaining(r.Context(), subject, class); err == nil {
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			}

			next.ServeHTTP(w, r)
		})
	}
}
