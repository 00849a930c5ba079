package api

import (
	"io"
	"net/http"

	"github.com/biznespilot/governor/pkg/billing"
	"github.com/biznespilot/governor/pkg/httputil"
)

// billingWebhook handles POST /webhooks/billing
func (s *Server) billingWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteBadRequest(w, "failed to read request body")
		return
	}

	result, err := s.deps.Billing.HandleWebhook(r.Context(), payload, r.Header.Get(billing.SignatureHeader))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, result)
}
