package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/biznespilot/governor/pkg/governance"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"message": "success"}

	err := WriteJSON(w, http.StatusOK, data)

	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "success")
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	err := errors.New("test error")

	WriteError(w, http.StatusBadRequest, err)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "test error")
	assert.Contains(t, w.Body.String(), `"success":false`)
	assert.Contains(t, w.Body.String(), `"error_code":"BAD_REQUEST"`)
}

func TestWriteErrorMessage(t *testing.T) {
	w := httptest.NewRecorder()

	WriteErrorMessage(w, http.StatusNotFound, "resource not found")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "resource not found")
}

func TestWriteValidationError(t *testing.T) {
	w := httptest.NewRecorder()

	WriteValidationError(w, "invalid input")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid input")
}

func TestWriteNotFoundError(t *testing.T) {
	w := httptest.NewRecorder()

	WriteNotFoundError(w, "user not found")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "user not found")
}

func TestWriteCreated(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]int{"id": 123}

	err := WriteCreated(w, data)

	assert.NoError(t, err)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), "123")
}

func TestWriteSuccess(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"status": "ok"}

	err := WriteSuccess(w, data)

	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
	assert.Contains(t, w.Body.String(), `"success":true`)
}

func TestWriteNoContent(t *testing.T) {
	w := httptest.NewRecorder()

	WriteNoContent(w)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, false, body["success"])
	return body
}

func TestWriteGovernanceError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		code    string
		upgrade any
		fields  map[string]any
	}{
		{
			name:    "feature",
			err:     &governance.FeatureNotAvailableError{FeatureKey: "ai_agents", FeatureLabel: "AI agents"},
			status:  http.StatusForbidden,
			code:    "FEATURE_NOT_AVAILABLE",
			upgrade: true,
			fields:  map[string]any{"feature_key": "ai_agents", "feature_label": "AI agents"},
		},
		{
			name:    "quota",
			err:     &governance.QuotaExceededError{LimitKey: "leads", LimitLabel: "Leads", Limit: 100, CurrentUsage: 100},
			status:  http.StatusForbidden,
			code:    "QUOTA_EXCEEDED",
			upgrade: true,
			fields:  map[string]any{"limit_key": "leads", "limit": float64(100), "current_usage": float64(100)},
		},
		{
			name:    "no subscription",
			err:     &governance.NoActiveSubscriptionError{TenantID: "t1"},
			status:  http.StatusPaymentRequired,
			code:    "NO_ACTIVE_SUBSCRIPTION",
			upgrade: true,
		},
		{
			name:    "already connected",
			err:     &governance.IntegrationAbuseError{AccountIdentifier: "@shop", AbuseType: governance.AbuseAlreadyConnected},
			status:  http.StatusForbidden,
			code:    "INTEGRATION_ABUSE",
			upgrade: false,
			fields:  map[string]any{"abuse_type": "already_connected", "account_identifier": "@shop"},
		},
		{
			name:    "trial abuse",
			err:     &governance.IntegrationAbuseError{AccountIdentifier: "@shop", AbuseType: governance.AbuseTrial},
			status:  http.StatusForbidden,
			code:    "INTEGRATION_ABUSE",
			upgrade: true,
		},
		{
			name:   "rate limited",
			err:    &governance.RateLimitedError{Class: "algorithm", RetryAfterSeconds: 7},
			status: http.StatusTooManyRequests,
			code:   "RATE_LIMITED",
			fields: map[string]any{"retry_after": float64(7)},
		},
		{
			name:   "unknown operation",
			err:    fmt.Errorf("%w: nope", governance.ErrUnknownOperation),
			status: http.StatusBadRequest,
			code:   CodeUnknownOperation,
		},
		{
			name:   "internal",
			err:    errors.New("db password leaked"),
			status: http.StatusInternalServerError,
			code:   CodeInternalError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteGovernanceError(w, fmt.Errorf("wrapped: %w", tt.err), governance.LangEn)

			assert.Equal(t, tt.status, w.Code)
			body := decodeError(t, w)
			assert.Equal(t, tt.code, body["error_code"])
			assert.NotEmpty(t, body["message"])
			if tt.upgrade == nil {
				assert.NotContains(t, body, "upgrade_required")
			} else {
				assert.Equal(t, tt.upgrade, body["upgrade_required"])
			}
			for k, v := range tt.fields {
				assert.Equal(t, v, body[k], k)
			}
		})
	}
}

func TestWriteGovernanceError_RetryAfterHeader(t *testing.T) {
	w := httptest.NewRecorder()
	WriteGovernanceError(w, &governance.RateLimitedError{Class: "batch", RetryAfterSeconds: 30}, governance.LangEn)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
}

func TestWriteGovernanceError_InternalHidesMessage(t *testing.T) {
	w := httptest.NewRecorder()
	WriteGovernanceError(w, errors.New("pq: connection refused"), governance.LangEn)
	assert.NotContains(t, w.Body.String(), "pq:")
}

func TestGovernanceStatus(t *testing.T) {
	_, ok := GovernanceStatus(errors.New("plain"))
	assert.False(t, ok)

	status, ok := GovernanceStatus(&governance.NoActiveSubscriptionError{})
	assert.True(t, ok)
	assert.Equal(t, http.StatusPaymentRequired, status)
}
