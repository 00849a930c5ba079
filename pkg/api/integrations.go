package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/biznespilot/governor/pkg/abuse"
	"github.com/biznespilot/governor/pkg/events"
	"github.com/biznespilot/governor/pkg/governance"
	"github.com/biznespilot/governor/pkg/httputil"
	"github.com/biznespilot/governor/pkg/middleware"
	"github.com/biznespilot/governor/pkg/plans"
)

// BindRequest is the body of POST /api/v1/integrations/{provider}/bindings
type BindRequest struct {
	AccountID string `json:"account_id"`
}

// bindingResponse reports a binding and the quota it consumed
type bindingResponse struct {
	Binding *abuse.Binding `json:"binding"`
	Created bool           `json:"created"`
	Usage   int64          `json:"usage"`
}

func (s *Server) providerLimit(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	provider := strings.ToLower(mux.Vars(r)["provider"])
	limitKey, ok := s.deps.Integrations[provider]
	if !ok {
		httputil.WriteNotFoundError(w, "unknown integration provider")
		return "", "", false
	}
	return provider, limitKey, true
}

// listBindings handles GET /api/v1/integrations/{provider}/bindings
func (s *Server) listBindings(w http.ResponseWriter, r *http.Request) {
	provider, _, ok := s.providerLimit(w, r)
	if !ok {
		return
	}
	all, err := s.deps.Abuse.Bindings(r.Context(), middleware.GetTenantID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]*abuse.Binding, 0, len(all))
	for _, b := range all {
		if b.Account.Provider == provider {
			out = append(out, b)
		}
	}
	httputil.WriteSuccess(w, out)
}

// createBinding handles POST /api/v1/integrations/{provider}/bindings.
// The abuse check runs first, then the account limit is reserved atomically,
// and the reservation is returned if the bind itself fails.
func (s *Server) createBinding(w http.ResponseWriter, r *http.Request) {
	provider, limitKey, ok := s.providerLimit(w, r)
	if !ok {
		return
	}
	var req BindRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	req.AccountID = strings.TrimSpace(req.AccountID)
	if !httputil.RequireNonEmpty(w, req.AccountID, "account_id") {
		return
	}

	ctx := r.Context()
	tenantID := middleware.GetTenantID(r)
	account := abuse.Account{Provider: provider, ID: req.AccountID}
	key := s.deps.Gate.UsageKey(tenantID, limitKey)

	if err := s.deps.Abuse.CheckBinding(ctx, account, tenantID); err != nil {
		s.bindingRefused(w, r, account, err)
		return
	}
	if existing := s.findBinding(ctx, account, tenantID); existing != nil {
		current, _ := s.deps.Usage.Get(ctx, key)
		httputil.WriteSuccess(w, bindingResponse{Binding: existing, Usage: current})
		return
	}

	// feature, subscription and quota
	if err := s.deps.Gate.CheckQuota(ctx, tenantID, limitKey, 1); err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := s.deps.Gate.GetLimit(ctx, tenantID, limitKey)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var current int64
	if limit == plans.Unlimited {
		current, err = s.deps.Usage.Increment(ctx, key, 1)
	} else {
		var reserved bool
		current, reserved, err = s.deps.Usage.IncrementIfBelow(ctx, key, 1, limit)
		if err == nil && !reserved {
			err = &governance.QuotaExceededError{
				LimitKey:     limitKey,
				LimitLabel:   s.deps.Gate.Catalogue().LimitLabel(limitKey),
				Limit:        limit,
				CurrentUsage: current,
			}
		}
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	binding, created, err := s.deps.Abuse.Bind(ctx, account, tenantID)
	if err != nil || !created {
		// the account is not newly held, give the reservation back
		after, derr := s.deps.Usage.Decrement(context.WithoutCancel(ctx), key, 1)
		if derr != nil {
			s.logger.WithError(derr).WithTenant(tenantID).Error("failed to return reserved integration quota")
		} else {
			current = after
		}
	}
	if err != nil {
		s.bindingRefused(w, r, account, err)
		return
	}
	if !created {
		httputil.WriteSuccess(w, bindingResponse{Binding: binding, Usage: current})
		return
	}

	s.publish(events.IntegrationBound{
		TenantID:    tenantID,
		Provider:    provider,
		AccountID:   account.ID,
		DuringTrial: binding.DuringTrial,
		At:          binding.BoundAt,
	})
	httputil.WriteCreated(w, bindingResponse{Binding: binding, Created: true, Usage: current})
}

func (s *Server) findBinding(ctx context.Context, account abuse.Account, tenantID string) *abuse.Binding {
	bindings, err := s.deps.Abuse.Bindings(ctx, tenantID)
	if err != nil {
		return nil
	}
	for _, b := range bindings {
		if b.Account == account {
			return b
		}
	}
	return nil
}

func (s *Server) bindingRefused(w http.ResponseWriter, r *http.Request, account abuse.Account, err error) {
	var abuseErr *governance.IntegrationAbuseError
	if errors.As(err, &abuseErr) {
		s.publish(events.IntegrationAbuseDetected{
			TenantID:  middleware.GetTenantID(r),
			Provider:  account.Provider,
			AccountID: account.ID,
			AbuseType: abuseErr.AbuseType,
			At:        time.Now().UTC(),
		})
	}
	s.writeError(w, r, err)
}

// deleteBinding handles DELETE /api/v1/integrations/{provider}/bindings/{account}
func (s *Server) deleteBinding(w http.ResponseWriter, r *http.Request) {
	provider, limitKey, ok := s.providerLimit(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	tenantID := middleware.GetTenantID(r)
	account := abuse.Account{Provider: provider, ID: mux.Vars(r)["account"]}

	if err := s.deps.Abuse.Release(ctx, account, tenantID); err != nil {
		if errors.Is(err, abuse.ErrBindingNotFound) {
			httputil.WriteNotFoundError(w, "binding not found")
			return
		}
		s.writeError(w, r, err)
		return
	}
	if _, err := s.deps.Usage.Decrement(context.WithoutCancel(ctx), s.deps.Gate.UsageKey(tenantID, limitKey), 1); err != nil {
		s.logger.WithError(err).WithTenant(tenantID).Error("failed to release integration quota")
	}

	s.publish(events.IntegrationReleased{
		TenantID:  tenantID,
		Provider:  provider,
		AccountID: account.ID,
		At:        time.Now().UTC(),
	})
	httputil.WriteNoContent(w)
}
