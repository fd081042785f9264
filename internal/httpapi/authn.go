package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"carelock.org/internal/policy"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var (
	ErrInvalidToken = errors.New("httpapi: invalid token")
	ErrUnauthorized = errors.New("httpapi: unauthorized")
)

var publicPaths = []string{
	"/metrics",
	"/healthz",
	"/readyz",
	"/",
}

// Principal is the authenticated caller extracted from a bearer token.
type Principal struct {
	UserID string
	Role   policy.Role
	Name   string
}

type principalCtxKey struct{}

// ContextWithPrincipal stores the principal for downstream handlers.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalCtxKey{}, p)
}

// PrincipalFromContext extracts the caller, if authenticated.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalCtxKey{}).(Principal)
	return p, ok
}

// Authenticator validates HS256 bearer tokens carrying the caller identity.
type Authenticator struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewAuthenticator constructs an Authenticator. An empty secret disables
// authentication, which is only acceptable in tests.
func NewAuthenticator(secret []byte) *Authenticator {
	return &Authenticator{
		secret: secret,
		issuer: "carelock",
		ttl:    8 * time.Hour,
		now:    time.Now,
	}
}

// Enabled reports whether tokens are verified at all.
func (au *Authenticator) Enabled() bool { return au != nil && len(au.secret) > 0 }

type tokenClaims struct {
	Role string `json:"role"`
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Issue mints a token for the given identity.
func (au *Authenticator) Issue(userID string, role policy.Role, name string) (string, error) {
	if !au.Enabled() {
		return "", errors.New("httpapi: authenticator disabled")
	}
	now := au.now().UTC()
	claims := tokenClaims{
		Role: string(role),
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    au.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(au.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(au.secret)
}

// Authenticate parses and verifies a bearer token.
func (au *Authenticator) Authenticate(token string) (Principal, error) {
	var claims tokenClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return au.secret, nil
	}, jwt.WithTimeFunc(au.now), jwt.WithIssuer(au.issuer))
	if err != nil || !parsed.Valid {
		return Principal{}, ErrInvalidToken
	}
	role := policy.ParseRole(claims.Role)
	if claims.Subject == "" || role == "" {
		return Principal{}, ErrInvalidToken
	}
	return Principal{UserID: claims.Subject, Role: role, Name: claims.Name}, nil
}

func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || !a.auth.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		principal, err := a.auth.Authenticate(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), principal)))
	})
}

// principal returns the caller, falling back to an anonymous owner when
// authentication is disabled (tests and local development).
func (a *API) principal(r *http.Request) (Principal, bool) {
	if p, ok := PrincipalFromContext(r.Context()); ok {
		return p, true
	}
	if !a.auth.Enabled() {
		return Principal{UserID: "anonymous", Role: policy.RoleOwner}, true
	}
	return Principal{}, false
}

// requirePermission runs the caller through the decision engine for an
// API-surface permission. The decision itself lands in the audit trail.
func (a *API) requirePermission(r *http.Request, perm string) (Principal, error) {
	p, ok := a.principal(r)
	if !ok {
		return Principal{}, ErrUnauthorized
	}
	d := a.engine.Decide(r.Context(), policy.Input{
		ActorID:             p.UserID,
		ActorRole:           p.Role,
		ActorName:           p.Name,
		RequiredPermissions: []string{perm},
		Action:              r.Method + " " + r.URL.Path,
	})
	if !d.Allowed {
		return Principal{}, ErrUnauthorized
	}
	return p, nil
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
