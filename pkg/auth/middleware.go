package auth

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Principal struct {
	Subject string
	Roles   []string
	Tenant  string
}

type contextKey string

const principalContextKey contextKey = "ransomeye.principal"

// TokenClaims are the bearer claims the command authority reads.
type TokenClaims struct {
	jwt.RegisteredClaims
	Roles  []string `json:"roles"`
	Tenant string   `json:"tenant,omitempty"`
}

type MiddlewareConfig struct {
	Issuer    string
	Audience  string
	RSAPublic *rsa.PublicKey
	Leeway    time.Duration
	now       func() time.Time
}

type MiddlewareOption func(*MiddlewareConfig)

func WithIssuer(issuer string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) { cfg.Issuer = strings.TrimSpace(issuer) }
}

func WithAudience(audience string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) { cfg.Audience = strings.TrimSpace(audience) }
}

// WithRSAPublicKeyPEM configures the verification key for oidc_rs256.
func WithRSAPublicKeyPEM(pemBytes []byte) MiddlewareOption {
	return func(cfg *MiddlewareConfig) {
		if key, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes); err == nil {
			cfg.RSAPublic = key
		}
	}
}

func WithLeeway(d time.Duration) MiddlewareOption {
	return func(cfg *MiddlewareConfig) { cfg.Leeway = d }
}

// Middleware authenticates bearer tokens. mode is off, oidc_hs256 or
// oidc_rs256. In off mode every request carries an anonymous principal with
// no roles, so role checks still deny.
func Middleware(mode, secret string, options ...MiddlewareOption) func(http.Handler) http.Handler {
	mode = strings.ToLower(strings.TrimSpace(mode))
	cfg := MiddlewareConfig{Leeway: 30 * time.Second}
	for _, opt := range options {
		opt(&cfg)
	}
	if mode == "" || mode == "off" {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Principal{Subject: "anonymous"})))
			})
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			token := strings.TrimSpace(header[len("Bearer "):])
			claims, err := ParseToken(mode, token, secret, cfg)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Principal{
				Subject: claims.Subject,
				Roles:   claims.Roles,
				Tenant:  claims.Tenant,
			})))
		})
	}
}

// ParseToken validates signature, expiry, issuer and audience.
func ParseToken(mode, token, secret string, cfg MiddlewareConfig) (TokenClaims, error) {
	var (
		methods []string
		keyFunc jwt.Keyfunc
	)
	switch mode {
	case "oidc_hs256":
		if secret == "" {
			return TokenClaims{}, errors.New("secret is required")
		}
		methods = []string{jwt.SigningMethodHS256.Alg()}
		keyFunc = func(*jwt.Token) (interface{}, error) { return []byte(secret), nil }
	case "oidc_rs256":
		if cfg.RSAPublic == nil {
			return TokenClaims{}, errors.New("rsa public key is required")
		}
		methods = []string{jwt.SigningMethodRS256.Alg()}
		keyFunc = func(*jwt.Token) (interface{}, error) { return cfg.RSAPublic, nil }
	default:
		return TokenClaims{}, errors.New("unsupported auth mode")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	if cfg.now != nil {
		opts = append(opts, jwt.WithTimeFunc(cfg.now))
	}
	var claims TokenClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, keyFunc, opts...)
	if err != nil {
		return TokenClaims{}, err
	}
	if !parsed.Valid {
		return TokenClaims{}, errors.New("invalid token")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return TokenClaims{}, errors.New("subject required")
	}
	return claims, nil
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	v := ctx.Value(principalContextKey)
	if v == nil {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

func HasAnyRole(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	set := map[string]struct{}{}
	for _, r := range p.Roles {
		set[strings.ToUpper(strings.TrimSpace(r))] = struct{}{}
	}
	for _, rr := range required {
		if _, ok := set[strings.ToUpper(strings.TrimSpace(rr))]; ok {
			return true
		}
	}
	return false
}

// ServiceTokenValid compares a presented service token in constant time.
func ServiceTokenValid(presented, expected string) bool {
	if expected == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}
