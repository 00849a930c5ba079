// Package middleware provides HTTP middleware for request tracking,
// authentication, tenant scoping and plan enforcement.
//
// # Ordering
//
// Authentication always precedes gating. The API router installs, outer to inner:
//
//	RequestID(logger)       // X-Request-ID, context logger
//	Recovery(logger)        // panic -> 500 INTERNAL_ERROR
//	Logging                 // one line per request
//	metrics                 // observability.HTTPMetricsMiddleware
//	auth.Handler            // 401 UNAUTHENTICATED
//	TenantMiddleware        // principal -> tenant
//	RequestCache            // request-scoped cache, cleared on return
//	limits.Limit(class)     // per route
//	quota.RequireFeature(k) // per route
//
// # Authenticators
//
// ChainAuthenticator tries each authenticator in order; ErrNoCredentials
// passes to the next one, any other error is final.
//
//	auth := middleware.ChainAuthenticator{
//		middleware.NewStaticTokenAuthenticator(tokens), // X-API-Key or opaque bearer
//		middleware.NewJWTAuthenticator(secret, issuer, "tenant_id"),
//		oidcAuthenticator,
//	}
//
// # Related Packages
//
//   - pkg/httputil: failure bodies
//   - pkg/ratelimit: class ceilings
//   - pkg/gate: feature and quota checks
package middleware
