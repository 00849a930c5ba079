// Package httputil provides HTTP handler utilities for consistent error handling,
// JSON encoding/decoding, and request parsing.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/biznespilot/governor/pkg/governance"
)

// Error codes for failures outside the governance taxonomy
const (
	CodeUnknownOperation   = "UNKNOWN_OPERATION"
	CodeUnauthenticated    = "UNAUTHENTICATED"
	CodeInternalError      = "INTERNAL_ERROR"
	CodeBadRequest         = "BAD_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeConflict           = "CONFLICT"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeTimeout            = "TIMEOUT"
)

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Success           bool   `json:"success"`
	ErrorCode         string `json:"error_code"`
	Message           string `json:"message"`
	UpgradeRequired   *bool  `json:"upgrade_required,omitempty"`
	FeatureKey        string `json:"feature_key,omitempty"`
	FeatureLabel      string `json:"feature_label,omitempty"`
	LimitKey          string `json:"limit_key,omitempty"`
	LimitLabel        string `json:"limit_label,omitempty"`
	Limit             *int64 `json:"limit,omitempty"`
	CurrentUsage      *int64 `json:"current_usage,omitempty"`
	AbuseType         string `json:"abuse_type,omitempty"`
	AccountIdentifier string `json:"account_identifier,omitempty"`
	RetryAfter        *int   `json:"retry_after,omitempty"`
}

// WriteErrorCode writes a failure body with an explicit code
func WriteErrorCode(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorResponse{ErrorCode: code, Message: message})
}

// WriteError writes a JSON error response with the given status code
func WriteError(w http.ResponseWriter, status int, err error) {
	WriteErrorMessage(w, status, err.Error())
}

// WriteErrorMessage writes a JSON error response with a custom message.
// The error code is derived from the status.
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	WriteErrorCode(w, status, codeForStatus(status), message)
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return CodeBadRequest
	case http.StatusUnauthorized:
		return CodeUnauthenticated
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusConflict:
		return CodeConflict
	case http.StatusServiceUnavailable:
		return CodeServiceUnavailable
	case http.StatusGatewayTimeout:
		return CodeTimeout
	case http.StatusTooManyRequests:
		return string(governance.CodeRateLimited)
	}
	if status >= 500 {
		return CodeInternalError
	}
	return http.StatusText(status)
}

// GovernanceStatus returns the HTTP status for a governance failure and
// false when err is not one.
func GovernanceStatus(err error) (int, bool) {
	gerr, ok := governance.AsError(err)
	if !ok {
		return 0, false
	}
	switch gerr.Code() {
	case governance.CodeNoActiveSubscription:
		return http.StatusPaymentRequired, true
	case governance.CodeRateLimited:
		return http.StatusTooManyRequests, true
	}
	return http.StatusForbidden, true
}

// WriteGovernanceError renders err using the failure contract. Governance
// errors carry their structured fields, an unknown operation is a 400 and
// anything else is an internal error whose text is not exposed.
func WriteGovernanceError(w http.ResponseWriter, err error, lang governance.Lang) {
	if errors.Is(err, governance.ErrUnknownOperation) {
		WriteErrorCode(w, http.StatusBadRequest, CodeUnknownOperation, err.Error())
		return
	}

	gerr, ok := governance.AsError(err)
	if !ok {
		WriteErrorCode(w, http.StatusInternalServerError, CodeInternalError, "internal server error")
		return
	}
	status, _ := GovernanceStatus(err)

	upgrade := gerr.UpgradeRequired()
	resp := ErrorResponse{
		ErrorCode: string(gerr.Code()),
		Message:   governance.Message(err, lang),
	}

	switch e := gerr.(type) {
	case *governance.FeatureNotAvailableError:
		resp.UpgradeRequired = &upgrade
		resp.FeatureKey = e.FeatureKey
		resp.FeatureLabel = e.FeatureLabel
	case *governance.QuotaExceededError:
		resp.UpgradeRequired = &upgrade
		resp.LimitKey = e.LimitKey
		resp.LimitLabel = e.LimitLabel
		resp.Limit = &e.Limit
		resp.CurrentUsage = &e.CurrentUsage
	case *governance.NoActiveSubscriptionError:
		resp.UpgradeRequired = &upgrade
	case *governance.IntegrationAbuseError:
		resp.UpgradeRequired = &upgrade
		resp.AbuseType = string(e.AbuseType)
		resp.AccountIdentifier = e.AccountIdentifier
	case *governance.RateLimitedError:
		retry := e.RetryAfterSeconds
		resp.RetryAfter = &retry
		w.Header().Set("Retry-After", strconv.Itoa(retry))
	}

	WriteJSON(w, status, resp)
}

// WriteValidationError writes a validation error response (400 Bad Request)
func WriteValidationError(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusBadRequest, message)
}

// WriteNotFoundError writes a not found error response (404 Not Found)
func WriteNotFoundError(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusNotFound, message)
}

// WriteCreated writes a successful creation response (201 Created) with JSON data
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, SuccessResponse{Success: true, Data: data})
}

// WriteAccepted writes a 202 response for work that continues in the background
func WriteAccepted(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusAccepted, SuccessResponse{Success: true, Data: data})
}

// WriteSuccess writes a successful response (200 OK) with JSON data
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: data})
}

// WriteNoContent writes a successful response with no content (204 No Content)
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// SuccessResponse represents a standardized success response
type SuccessResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// WriteBadRequest writes a bad request error (400)
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusBadRequest, message)
}
