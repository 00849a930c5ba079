package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/biznespilot/governor/pkg/httputil"
	"github.com/biznespilot/governor/pkg/middleware"
	"github.com/biznespilot/governor/pkg/ratelimit"
)

// getUsage handles GET /api/v1/usage
func (s *Server) getUsage(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Gate.UsageStats(r.Context(), middleware.GetTenantID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, stats)
}

// getFeatures handles GET /api/v1/features
func (s *Server) getFeatures(w http.ResponseWriter, r *http.Request) {
	features, err := s.deps.Gate.EnabledFeatures(r.Context(), middleware.GetTenantID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, features)
}

// getRateLimits handles GET /api/v1/ratelimits. It is not itself rate
// limited so clients can always see when to retry.
func (s *Server) getRateLimits(w http.ResponseWriter, r *http.Request) {
	stats, err := ratelimit.Stats(r.Context(), s.deps.Limiter, s.deps.RateLimits, middleware.GetTenantID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, stats)
}

// downgradeCheck handles GET /api/v1/plans/{plan}/downgrade-check
func (s *Server) downgradeCheck(w http.ResponseWriter, r *http.Request) {
	check, err := s.deps.Gate.CanDowngradeTo(r.Context(), middleware.GetTenantID(r), mux.Vars(r)["plan"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, check)
}
