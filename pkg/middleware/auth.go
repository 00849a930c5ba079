package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/biznespilot/governor/pkg/contextkeys"
	"github.com/biznespilot/governor/pkg/httputil"
	"github.com/biznespilot/governor/pkg/observability"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoCredentials means the authenticator found nothing it understands
	// in the request; the next authenticator in a chain is tried.
	ErrNoCredentials = errors.New("no credentials")

	// ErrInvalidCredentials means credentials were present but rejected
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Principal is the authenticated caller of a request
type Principal struct {
	Subject  string
	TenantID string
	Method   string

	// System principals act for the platform and may name any tenant
	System bool
}

// Authenticator turns request credentials into a principal
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*Principal, error)
}

// AuthenticatorFunc adapts a function to Authenticator
type AuthenticatorFunc func(ctx context.Context, r *http.Request) (*Principal, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, r *http.Request) (*Principal, error) {
	return f(ctx, r)
}

// ChainAuthenticator tries each authenticator in order. The first one that
// recognizes the credentials decides.
type ChainAuthenticator []Authenticator

func (c ChainAuthenticator) Authenticate(ctx context.Context, r *http.Request) (*Principal, error) {
	for _, a := range c {
		p, err := a.Authenticate(ctx, r)
		if errors.Is(err, ErrNoCredentials) {
			continue
		}
		return p, err
	}
	return nil, ErrNoCredentials
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// StaticToken is a preconfigured API token
type StaticToken struct {
	Token    string
	TenantID string
	System   bool
}

// StaticTokenAuthenticator accepts API tokens from configuration, sent
// either as X-API-Key or as a bearer token.
type StaticTokenAuthenticator struct {
	tokens []StaticToken
}

// NewStaticTokenAuthenticator creates an authenticator over tokens
func NewStaticTokenAuthenticator(tokens []StaticToken) *StaticTokenAuthenticator {
	return &StaticTokenAuthenticator{tokens: tokens}
}

func (a *StaticTokenAuthenticator) Authenticate(_ context.Context, r *http.Request) (*Principal, error) {
	token := r.Header.Get("X-API-Key")
	if token == "" {
		bearer, ok := bearerToken(r)
		// JWTs are left to the next authenticator
		if !ok || strings.Count(bearer, ".") == 2 {
			return nil, ErrNoCredentials
		}
		token = bearer
	}

	for _, t := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(t.Token), []byte(token)) == 1 {
			return &Principal{
				Subject:  "token:" + t.TenantID,
				TenantID: t.TenantID,
				Method:   "api_key",
				System:   t.System,
			}, nil
		}
	}
	return nil, ErrInvalidCredentials
}

// JWTAuthenticator validates HS256 bearer tokens carrying a tenant claim
type JWTAuthenticator struct {
	secret      []byte
	issuer      string
	tenantClaim string
}

// NewJWTAuthenticator creates a JWT authenticator. An empty issuer skips the
// issuer check; an empty tenantClaim defaults to tenant_id.
func NewJWTAuthenticator(secret, issuer, tenantClaim string) *JWTAuthenticator {
	if tenantClaim == "" {
		tenantClaim = "tenant_id"
	}
	return &JWTAuthenticator{secret: []byte(secret), issuer: issuer, tenantClaim: tenantClaim}
}

// Issue signs a token for a tenant. Used by operators and tests.
func (a *JWTAuthenticator) Issue(subject, tenantID string, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", fmt.Errorf("JWT secret key is empty")
	}
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub":         subject,
		a.tenantClaim: tenantID,
		"iat":         now.Unix(),
		"exp":         now.Add(ttl).Unix(),
	}
	if a.issuer != "" {
		claims["iss"] = a.issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *JWTAuthenticator) Authenticate(_ context.Context, r *http.Request) (*Principal, error) {
	raw, ok := bearerToken(r)
	if !ok || strings.Count(raw, ".") != 2 {
		return nil, ErrNoCredentials
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		// an RS256 token may belong to the OIDC authenticator
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrTokenUnverifiable) {
			return nil, ErrNoCredentials
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid token claims", ErrInvalidCredentials)
	}
	tenantID, _ := claims[a.tenantClaim].(string)
	if tenantID == "" {
		return nil, fmt.Errorf("%w: missing %s claim", ErrInvalidCredentials, a.tenantClaim)
	}
	subject, _ := claims.GetSubject()
	return &Principal{Subject: subject, TenantID: tenantID, Method: "jwt"}, nil
}

// OIDCAuthenticator validates ID tokens from an OpenID Connect provider
type OIDCAuthenticator struct {
	verifier    *oidc.IDTokenVerifier
	tenantClaim string
}

// NewOIDCAuthenticator discovers the provider at issuerURL
func NewOIDCAuthenticator(ctx context.Context, issuerURL, clientID, tenantClaim string) (*OIDCAuthenticator, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}
	return NewOIDCAuthenticatorWithVerifier(provider.Verifier(&oidc.Config{ClientID: clientID}), tenantClaim), nil
}

// NewOIDCAuthenticatorWithVerifier uses an existing verifier
func NewOIDCAuthenticatorWithVerifier(verifier *oidc.IDTokenVerifier, tenantClaim string) *OIDCAuthenticator {
	if tenantClaim == "" {
		tenantClaim = "tenant_id"
	}
	return &OIDCAuthenticator{verifier: verifier, tenantClaim: tenantClaim}
}

func (a *OIDCAuthenticator) Authenticate(ctx context.Context, r *http.Request) (*Principal, error) {
	raw, ok := bearerToken(r)
	if !ok || strings.Count(raw, ".") != 2 {
		return nil, ErrNoCredentials
	}

	idToken, err := a.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}

	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	tenantID, _ := claims[a.tenantClaim].(string)
	if tenantID == "" {
		return nil, fmt.Errorf("%w: missing %s claim", ErrInvalidCredentials, a.tenantClaim)
	}
	return &Principal{Subject: idToken.Subject, TenantID: tenantID, Method: "oidc"}, nil
}

// AuthMiddleware rejects unauthenticated requests with 401. It runs before
// any gating so that an anonymous caller never learns about plans or quotas.
type AuthMiddleware struct {
	authenticator Authenticator
	optional      bool
	logger        *observability.Logger
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(authenticator Authenticator, optional bool, logger *observability.Logger) *AuthMiddleware {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &AuthMiddleware{
		authenticator: authenticator,
		optional:      optional,
		logger:        logger,
	}
}

// Handler wraps an HTTP handler with authentication
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := m.authenticator.Authenticate(r.Context(), r)
		switch {
		case errors.Is(err, ErrNoCredentials):
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteErrorCode(w, http.StatusUnauthorized, httputil.CodeUnauthenticated, "missing credentials")
			return
		case err != nil:
			m.logger.WithError(err).WithField("path", r.URL.Path).Debug("authentication failed")
			httputil.WriteErrorCode(w, http.StatusUnauthorized, httputil.CodeUnauthenticated, "invalid or expired credentials")
			return
		}

		ctx := contextkeys.WithPrincipal(r.Context(), p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetPrincipal extracts the principal from a request
func GetPrincipal(r *http.Request) *Principal {
	return PrincipalFromContext(r.Context())
}

// PrincipalFromContext extracts the principal from a context
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(contextkeys.PrincipalKey).(*Principal)
	return p
}
