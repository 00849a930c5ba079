package api

import (
	"net/http"
	"strings"

	"github.com/biznespilot/governor/pkg/audit"
	"github.com/biznespilot/governor/pkg/events"
	"github.com/biznespilot/governor/pkg/httputil"
	"github.com/biznespilot/governor/pkg/middleware"
)

// auditFilter builds a tenant-scoped filter from ?type=a,b&since=&until=&limit=&offset=
func auditFilter(w http.ResponseWriter, r *http.Request) (audit.Filter, bool) {
	f := audit.Filter{TenantID: middleware.GetTenantID(r)}

	if types := r.URL.Query().Get("type"); types != "" {
		known := make(map[events.Type]bool)
		for _, t := range events.AllTypes() {
			known[t] = true
		}
		for _, t := range strings.Split(types, ",") {
			et := events.Type(strings.TrimSpace(t))
			if !known[et] {
				httputil.WriteBadRequest(w, "unknown event type: "+string(et))
				return f, false
			}
			f.Types = append(f.Types, et)
		}
	}

	var err error
	if f.Since, err = httputil.ParseQueryTime(r, "since"); err != nil {
		httputil.WriteBadRequest(w, "since must be an RFC3339 time")
		return f, false
	}
	if f.Until, err = httputil.ParseQueryTime(r, "until"); err != nil {
		httputil.WriteBadRequest(w, "until must be an RFC3339 time")
		return f, false
	}
	if f.Limit, err = httputil.ParseQueryInt(r, "limit", audit.DefaultLimit); err != nil || f.Limit < 0 {
		httputil.WriteBadRequest(w, "limit must be a non-negative integer")
		return f, false
	}
	if f.Offset, err = httputil.ParseQueryInt(r, "offset", 0); err != nil || f.Offset < 0 {
		httputil.WriteBadRequest(w, "offset must be a non-negative integer")
		return f, false
	}
	return f, true
}

// searchAudit handles GET /api/v1/audit
func (s *Server) searchAudit(w http.ResponseWriter, r *http.Request) {
	f, ok := auditFilter(w, r)
	if !ok {
		return
	}
	records, err := s.deps.Audit.Search(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []*audit.Record{}
	}
	httputil.WriteSuccess(w, records)
}

// exportAudit handles GET /api/v1/audit/export?format=json|ndjson|csv
func (s *Server) exportAudit(w http.ResponseWriter, r *http.Request) {
	f, ok := auditFilter(w, r)
	if !ok {
		return
	}
	format := audit.ExportFormat(httputil.ParseQueryString(r, "format", string(audit.FormatJSON)))
	switch format {
	case audit.FormatJSON, audit.FormatNDJSON, audit.FormatCSV:
	default:
		httputil.WriteBadRequest(w, "format must be json, ndjson or csv")
		return
	}
	if r.URL.Query().Get("limit") == "" {
		f.Limit = audit.MaxLimit
	}

	records, err := s.deps.Audit.Search(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body, err := audit.Export(records, format)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="audit.`+string(format)+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
