package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biznespilot/governor/pkg/cache"
	"github.com/biznespilot/governor/pkg/contextkeys"
	"github.com/biznespilot/governor/pkg/gate"
	"github.com/biznespilot/governor/pkg/observability"
	"github.com/biznespilot/governor/pkg/plans"
	"github.com/biznespilot/governor/pkg/usage"
)

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = observability.GetRequestID(r.Context())
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get(RequestIDHeader))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", seen)
}

func TestRecovery(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLogger(observability.DebugLevel, &buf)
	h := Recovery(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/x", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), `"error_code":"INTERNAL_ERROR"`)
	assert.NotContains(t, w.Body.String(), "boom")
	assert.Contains(t, buf.String(), "PANIC recovered")
	assert.Contains(t, buf.String(), "GET /x")
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLogger(observability.DebugLevel, &buf)
	h := RequestID(logger)(Logging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	})))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/api/v1/operations/x", nil))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "request rejected", entry["msg"])
	assert.Equal(t, float64(402), entry["status"])
	assert.Equal(t, "/api/v1/operations/x", entry["path"])
	assert.NotEmpty(t, entry["request_id"])
}

func withPrincipal(req *http.Request, p *Principal) *http.Request {
	return req.WithContext(contextkeys.WithPrincipal(req.Context(), p))
}

func TestTenantMiddleware(t *testing.T) {
	var tenant string
	h := TenantMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant = GetTenantID(r)
		assert.Equal(t, tenant, observability.GetTenantID(r.Context()))
	}))

	t.Run("no principal", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("tenant from principal", func(t *testing.T) {
		req := withPrincipal(httptest.NewRequest("GET", "/", nil), &Principal{TenantID: "t1"})
		req.Header.Set(TenantHeader, "t2")
		h.ServeHTTP(httptest.NewRecorder(), req)
		assert.Equal(t, "t1", tenant)
	})

	t.Run("system principal picks tenant", func(t *testing.T) {
		req := withPrincipal(httptest.NewRequest("GET", "/", nil), &Principal{System: true})
		req.Header.Set(TenantHeader, "t2")
		h.ServeHTTP(httptest.NewRecorder(), req)
		assert.Equal(t, "t2", tenant)
	})

	t.Run("system principal without tenant", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, withPrincipal(httptest.NewRequest("GET", "/", nil), &Principal{System: true}))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestRequestCache(t *testing.T) {
	m := cache.NewManager(cache.DefaultConfig(), nil, nil)
	calls := 0
	compute := func(ctx context.Context) ([]byte, error) {
		calls++
		return []byte("v"), nil
	}

	h := RequestCache(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 3; i++ {
			_, err := m.ComputeOrFetch(r.Context(), "req:k", time.Minute, compute)
			require.NoError(t, err)
		}
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, 1, calls)
}

func newQuotaGate(t *testing.T) *gate.Gate {
	t.Helper()
	catalogue := &plans.Catalogue{
		Features: map[string]plans.FeatureDef{"advanced_reports": {Label: "Advanced reports"}},
		Plans: map[string]*plans.Plan{
			"business": {ID: "business", Features: []string{"advanced_reports"}},
			"free":     {ID: "free"},
		},
	}
	subs := plans.NewMemoryStore()
	ends := time.Now().Add(24 * time.Hour)
	for tenant, plan := range map[string]string{"t-business": "business", "t-free": "free"} {
		require.NoError(t, subs.UpsertSubscription(context.Background(), &plans.Subscription{
			TenantID: tenant, PlanID: plan, Status: plans.StatusActive, EndsAt: &ends,
		}))
	}
	return gate.New(catalogue, subs, usage.NewMemoryStore(), gate.NewRegistry())
}

func TestQuotaMiddleware_RequireFeature(t *testing.T) {
	m := NewQuotaMiddleware(newQuotaGate(t))
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	h := m.RequireFeature("advanced_reports")(ok)

	serve := func(tenant string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/audit/export", nil)
		if tenant != "" {
			req = req.WithContext(contextkeys.WithTenant(req.Context(), tenant))
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusUnauthorized, serve("").Code)

	w := serve("t-free")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "FEATURE_NOT_AVAILABLE")

	w = serve("t-unknown")
	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	assert.Equal(t, http.StatusOK, serve("t-business").Code)
}
