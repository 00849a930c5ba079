package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/biznespilot/governor/pkg/async"
	"github.com/biznespilot/governor/pkg/httputil"
	"github.com/biznespilot/governor/pkg/middleware"
	"github.com/biznespilot/governor/pkg/orchestrator"
)

// jobView is the API form of a job snapshot
type jobView struct {
	async.Result
	Error string `json:"error,omitempty"`
}

// listOperations handles GET /api/v1/operations
func (s *Server) listOperations(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, s.deps.Gate.Operations().List())
}

// buildRequest reads the operation input. An empty body is an empty object.
func (s *Server) buildRequest(w http.ResponseWriter, r *http.Request) (orchestrator.Request, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteBadRequest(w, "failed to read request body")
		return orchestrator.Request{}, false
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if !json.Valid(body) {
		httputil.WriteBadRequest(w, "request body must be valid JSON")
		return orchestrator.Request{}, false
	}

	p := middleware.GetPrincipal(r)
	return orchestrator.Request{
		TenantID:  middleware.GetTenantID(r),
		Operation: mux.Vars(r)["operation"],
		Input:     json.RawMessage(body),
		Priority:  async.ParsePriority(r.URL.Query().Get("priority")),
		System:    p != nil && p.System,
	}, true
}

// executeOperation handles POST /api/v1/operations/{operation}
func (s *Server) executeOperation(w http.ResponseWriter, r *http.Request) {
	req, ok := s.buildRequest(w, r)
	if !ok {
		return
	}
	resp, err := s.deps.Orchestrator.Execute(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, resp)
}

// submitOperation handles POST /api/v1/operations/{operation}/jobs
func (s *Server) submitOperation(w http.ResponseWriter, r *http.Request) {
	req, ok := s.buildRequest(w, r)
	if !ok {
		return
	}
	h, err := s.deps.Orchestrator.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/jobs/"+string(h))
	httputil.WriteAccepted(w, map[string]any{
		"job_id":       h,
		"operation":    req.Operation,
		"status":       async.StatusQueued,
		"submitted_at": time.Now().UTC(),
	})
}

// getJob handles GET /api/v1/jobs/{id}
func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	result, err := s.deps.Orchestrator.Job(middleware.GetTenantID(r), async.Handle(id))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view := jobView{Result: result}
	if result.Err != nil {
		view.Error = result.Err.Error()
	}
	httputil.WriteSuccess(w, view)
}
