package app

import (
	"context"
	"fmt"

	"github.com/biznespilot/governor/pkg/api"
	"github.com/biznespilot/governor/pkg/middleware"
)

// Authenticator chains the configured credential schemes: static API
// tokens, then HS256 JWTs, then OIDC ID tokens.
func (a *App) Authenticator(ctx context.Context) (middleware.Authenticator, error) {
	ac := a.Config.Auth
	var chain middleware.ChainAuthenticator
	if len(ac.StaticTokens) > 0 {
		chain = append(chain, middleware.NewStaticTokenAuthenticator(ac.StaticTokens))
	}
	if ac.JWTSecret != "" {
		chain = append(chain, middleware.NewJWTAuthenticator(ac.JWTSecret, ac.JWTIssuer, ac.TenantClaim))
	}
	if ac.OIDCIssuerURL != "" {
		oidcAuth, err := middleware.NewOIDCAuthenticator(ctx, ac.OIDCIssuerURL, ac.OIDCClientID, ac.TenantClaim)
		if err != nil {
			return nil, fmt.Errorf("failed to set up OIDC: %w", err)
		}
		chain = append(chain, oidcAuth)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("no authenticator configured")
	}
	return chain, nil
}

// APIServer builds the HTTP API over the components
func (a *App) APIServer(auth middleware.Authenticator) *api.Server {
	return api.NewServer(api.Dependencies{
		Orchestrator:  a.Orchestrator,
		Gate:          a.Gate,
		Usage:         a.Usage,
		Limiter:       a.Limiter,
		RateLimits:    a.Config.RateLimit,
		Abuse:         a.Abuse,
		Audit:         a.Audit,
		Billing:       a.Billing,
		Bus:           a.Bus,
		Authenticator: auth,
		Logger:        a.Logger,
		Metrics:       a.Metrics,
		MaxBodyBytes:  a.Config.Server.MaxBodyBytes,
		CORSOrigins:   a.Config.Server.CORSOrigins,
	})
}
