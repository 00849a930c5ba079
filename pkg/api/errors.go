package api

import (
	"errors"
	"net/http"

	"github.com/biznespilot/governor/pkg/algorithms"
	"github.com/biznespilot/governor/pkg/async"
	"github.com/biznespilot/governor/pkg/billing"
	"github.com/biznespilot/governor/pkg/gate"
	"github.com/biznespilot/governor/pkg/governance"
	"github.com/biznespilot/governor/pkg/httputil"
	"github.com/biznespilot/governor/pkg/middleware"
)

// writeError maps component errors onto the failure contract
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, algorithms.ErrInvalidInput):
		httputil.WriteErrorCode(w, http.StatusBadRequest, httputil.CodeBadRequest, err.Error())
	case errors.Is(err, async.ErrJobNotFound):
		httputil.WriteNotFoundError(w, "job not found")
	case errors.Is(err, gate.ErrUnknownPlan):
		httputil.WriteNotFoundError(w, err.Error())
	case errors.Is(err, async.ErrQueueFull), errors.Is(err, async.ErrDispatcherClosed):
		w.Header().Set("Retry-After", "5")
		httputil.WriteErrorCode(w, http.StatusServiceUnavailable, httputil.CodeServiceUnavailable, "service is busy, retry later")
	case errors.Is(err, async.ErrAwaitTimeout), errors.Is(err, async.ErrJobTimeout):
		httputil.WriteErrorCode(w, http.StatusGatewayTimeout, httputil.CodeTimeout, "operation timed out")
	case errors.Is(err, billing.ErrInvalidSignature):
		httputil.WriteErrorCode(w, http.StatusUnauthorized, httputil.CodeUnauthenticated, err.Error())
	case errors.Is(err, billing.ErrInvalidEvent), errors.Is(err, billing.ErrStaleEvent), errors.Is(err, billing.ErrUnknownPlan):
		httputil.WriteErrorCode(w, http.StatusBadRequest, httputil.CodeBadRequest, err.Error())
	default:
		if _, ok := governance.AsError(err); !ok && !errors.Is(err, governance.ErrUnknownOperation) {
			s.logger.WithError(err).WithFields(map[string]any{
				"method": r.Method,
				"path":   r.URL.Path,
				"tenant": middleware.GetTenantID(r),
			}).Error("request failed")
		}
		httputil.WriteGovernanceError(w, err, httputil.RequestLang(r))
	}
}
