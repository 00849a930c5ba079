package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/biznespilot/governor/pkg/abuse"
	"github.com/biznespilot/governor/pkg/audit"
	"github.com/biznespilot/governor/pkg/billing"
	"github.com/biznespilot/governor/pkg/events"
	"github.com/biznespilot/governor/pkg/gate"
	"github.com/biznespilot/governor/pkg/httputil"
	"github.com/biznespilot/governor/pkg/middleware"
	"github.com/biznespilot/governor/pkg/observability"
	"github.com/biznespilot/governor/pkg/orchestrator"
	"github.com/biznespilot/governor/pkg/ratelimit"
	"github.com/biznespilot/governor/pkg/usage"
)

// Dependencies are the components the API serves. Audit, Billing, Bus and
// Metrics may be nil; their routes or side effects are then disabled.
type Dependencies struct {
	Orchestrator  *orchestrator.Orchestrator
	Gate          *gate.Gate
	Usage         usage.Store
	Limiter       ratelimit.Limiter
	RateLimits    ratelimit.Config
	Abuse         *abuse.Detector
	Audit         audit.Store
	Billing       *billing.Service
	Bus           *events.Bus
	Authenticator middleware.Authenticator
	Logger        *observability.Logger
	Metrics       *observability.Metrics

	// Integrations maps a provider to the limit its bindings count against
	Integrations map[string]string
	MaxBodyBytes int64
	CORSOrigins  []string
}

// ExportFeature is the plan feature that unlocks bulk audit exports
const ExportFeature = "advanced_reports"

// DefaultIntegrations maps providers to their catalogue limits
func DefaultIntegrations() map[string]string {
	return map[string]string{
		"instagram": "instagram_accounts",
		"telegram":  "telegram_bots",
		"chatbot":   "chatbot_channels",
	}
}

// Server represents our API server
type Server struct {
	deps    Dependencies
	router  *mux.Router
	handler http.Handler
	rl      *middleware.RateLimitMiddleware
	logger  *observability.Logger
}

// NewServer creates a new API server
func NewServer(deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = observability.NopLogger()
	}
	if deps.Integrations == nil {
		deps.Integrations = DefaultIntegrations()
	}
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = 1 << 20
	}

	s := &Server{
		deps:   deps,
		router: mux.NewRouter(),
		rl:     middleware.NewRateLimitMiddleware(deps.Limiter, deps.RateLimits, deps.Metrics),
		logger: deps.Logger,
	}
	s.setupRoutes()

	bodies := []func(http.Handler) http.Handler{
		httputil.ContentTypeMiddleware,
		httputil.MaxBytesMiddleware(deps.MaxBodyBytes),
	}
	if len(deps.CORSOrigins) > 0 {
		bodies = append([]func(http.Handler) http.Handler{httputil.CORSMiddleware(deps.CORSOrigins)}, bodies...)
	}
	h := httputil.Chain(bodies...)(s.router)
	h = middleware.Logging(h)
	h = middleware.Recovery(deps.Logger)(h)
	h = middleware.RequestID(deps.Logger)(h)
	s.handler = otelhttp.NewHandler(h, "governor.api",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	if s.deps.Metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(s.deps.Metrics))
	}
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteNotFoundError(w, "route not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteErrorMessage(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	// Billing webhooks authenticate by signature, not by tenant credentials
	if s.deps.Billing != nil {
		s.router.HandleFunc("/webhooks/billing", s.billingWebhook).Methods(http.MethodPost)
	}

	auth := middleware.NewAuthMiddleware(s.deps.Authenticator, false, s.logger)
	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.Use(auth.Handler, middleware.TenantMiddleware, middleware.RequestCache)

	// Operations are rate limited by the orchestrator per operation class
	v1.HandleFunc("/operations", s.listOperations).Methods(http.MethodGet)
	v1.HandleFunc("/operations/{operation}", s.executeOperation).Methods(http.MethodPost)
	v1.HandleFunc("/operations/{operation}/jobs", s.submitOperation).Methods(http.MethodPost)
	v1.HandleFunc("/jobs/{id}", s.getJob).Methods(http.MethodGet)

	read := s.rl.Limit(ratelimit.ClassSingle)
	v1.Handle("/usage", read(http.HandlerFunc(s.getUsage))).Methods(http.MethodGet)
	v1.Handle("/features", read(http.HandlerFunc(s.getFeatures))).Methods(http.MethodGet)
	v1.Handle("/ratelimits", http.HandlerFunc(s.getRateLimits)).Methods(http.MethodGet)
	v1.Handle("/plans/{plan}/downgrade-check", read(http.HandlerFunc(s.downgradeCheck))).Methods(http.MethodGet)

	if s.deps.Abuse != nil {
		v1.Handle("/integrations/{provider}/bindings", read(http.HandlerFunc(s.listBindings))).Methods(http.MethodGet)
		v1.Handle("/integrations/{provider}/bindings", read(http.HandlerFunc(s.createBinding))).Methods(http.MethodPost)
		v1.Handle("/integrations/{provider}/bindings/{account}", read(http.HandlerFunc(s.deleteBinding))).Methods(http.MethodDelete)
	}

	if s.deps.Audit != nil {
		v1.Handle("/audit", read(http.HandlerFunc(s.searchAudit))).Methods(http.MethodGet)
		export := middleware.NewQuotaMiddleware(s.deps.Gate).RequireFeature(ExportFeature)
		v1.Handle("/audit/export", s.rl.Limit(ratelimit.ClassBatch)(export(http.HandlerFunc(s.exportAudit)))).Methods(http.MethodGet)
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Router exposes the route table
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) publish(e events.Event) {
	if s.deps.Bus == nil {
		return
	}
	if err := s.deps.Bus.Publish(e); err != nil {
		s.logger.WithError(err).WithField("event", string(e.Type())).Warn("failed to publish event")
	}
}
