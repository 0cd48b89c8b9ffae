package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"evmoracle/core/identity"
)

// CallerConfig configures bearer token verification.
type CallerConfig struct {
	HMACSecret string
	Issuer     string
	ClockSkew  time.Duration
}

type callerKey struct{}

// CallerFrom returns the identity attached by CallerAuth, or Anonymous.
func CallerFrom(ctx context.Context) identity.Identity {
	if id, ok := ctx.Value(callerKey{}).(identity.Identity); ok {
		return id
	}
	return identity.Anonymous
}

// WithCaller attaches id to ctx.
func WithCaller(ctx context.Context, id identity.Identity) context.Context {
	return context.WithValue(ctx, callerKey{}, id)
}

// CallerAuth turns an HS256 bearer token into the caller identity. Requests
// without a token proceed as Anonymous; invalid tokens are rejected.
type CallerAuth struct {
	cfg    CallerConfig
	secret []byte
	logger *slog.Logger
}

// NewCallerAuth builds the middleware.
func NewCallerAuth(cfg CallerConfig, logger *slog.Logger) *CallerAuth {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &CallerAuth{cfg: cfg, secret: []byte(strings.TrimSpace(cfg.HMACSecret)), logger: logger}
}

// Middleware attaches the caller identity to the request context.
func (a *CallerAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if header == "" {
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), identity.Anonymous)))
			return
		}
		tokenString := extractBearer(header)
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "malformed authorization header")
			return
		}
		caller, err := a.parse(tokenString)
		if err != nil {
			a.logger.Warn("caller token rejected", "reason", err.Error())
			writeError(w, http.StatusUnauthorized, "unauthenticated", "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

func (a *CallerAuth) parse(tokenString string) (identity.Identity, error) {
	if len(a.secret) == 0 {
		return "", errors.New("auth secret not configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.cfg.ClockSkew),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", errors.New("token invalid")
	}
	caller, err := identity.Parse(claims.Subject)
	if err != nil {
		return "", err
	}
	if caller.IsAnonymous() {
		return "", errors.New("token subject must not be anonymous")
	}
	return caller, nil
}

// IssueToken signs an HS256 token for subject. A zero ttl issues a token
// without expiry.
func IssueToken(secret, issuer string, subject identity.Identity, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("secret required")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  subject.String(),
		Issuer:   issuer,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(strings.TrimSpace(secret)))
}

func extractBearer(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
