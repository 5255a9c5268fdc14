package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// AuthConfig configures shared-secret authentication. Callers may present the
// secret itself as a bearer token, or an HS256 JWT signed with it.
type AuthConfig struct {
	Secret      string
	AllowStatic bool
	Issuer      string
	Audience    string
	ClockSkew   time.Duration
	// OnReject is invoked with a short reason whenever a request is refused.
	OnReject func(reason string)
}

type contextKey string

const (
	// ContextKeyClaims carries the verified JWT claims, absent for static tokens.
	ContextKeyClaims contextKey = "auth.claims"
)

// ErrUnauthenticated is returned for any rejected credential.
var ErrUnauthenticated = errors.New("authentication required")

// Authenticator validates bearer credentials against the shared secret.
type Authenticator struct {
	cfg    AuthConfig
	secret []byte
	logger *slog.Logger
}

// NewAuthenticator builds an authenticator. An empty secret is rejected so a
// misconfigured service never runs open.
func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) (*Authenticator, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errors.New("auth secret required")
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{cfg: cfg, secret: []byte(secret), logger: logger}, nil
}

// Middleware rejects unauthenticated requests with 401 before next runs.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := a.Authenticate(r)
		if err != nil {
			a.logger.Warn("request rejected", "path", r.URL.Path, "reason", err.Error())
			if a.cfg.OnReject != nil {
				a.cfg.OnReject("auth")
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		ctx := r.Context()
		if claims != nil {
			ctx = context.WithValue(ctx, ContextKeyClaims, claims)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Authenticate validates the request's bearer credential. Static tokens yield
// nil claims.
func (a *Authenticator) Authenticate(r *http.Request) (jwt.MapClaims, error) {
	if a == nil {
		return nil, ErrUnauthenticated
	}
	token := extractBearer(r.Header.Get("Authorization"))
	if token == "" {
		return nil, ErrUnauthenticated
	}
	if a.cfg.AllowStatic && subtle.ConstantTimeCompare([]byte(token), a.secret) == 1 {
		return nil, nil
	}
	claims, err := a.parseToken(token)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	if err := validateClaims(claims, a.cfg.Issuer, a.cfg.Audience); err != nil {
		return nil, ErrUnauthenticated
	}
	return claims, nil
}

// ClaimsFromContext returns the verified JWT claims, if any.
func ClaimsFromContext(ctx context.Context) jwt.MapClaims {
	claims, _ := ctx.Value(ContextKeyClaims).(jwt.MapClaims)
	return claims
}

// SignToken issues an HS256 token for callers holding the shared secret.
func SignToken(secret, issuer, audience string, extra map[string]interface{}, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("auth secret required")
	}
	claims := jwt.MapClaims{
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if issuer != "" {
		claims["iss"] = issuer
	}
	if audience != "" {
		claims["aud"] = audience
	}
	for k, v := range extra {
		claims[k] = v
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(strings.TrimSpace(secret)))
}

func (a *Authenticator) parseToken(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.cfg.ClockSkew), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("claims not map")
	}
	return claims, nil
}

func validateClaims(claims jwt.MapClaims, issuer, audience string) error {
	if issuer != "" {
		if value, ok := claims["iss"].(string); !ok || value != issuer {
			return errors.New("issuer mismatch")
		}
	}
	if audience != "" {
		switch val := claims["aud"].(type) {
		case string:
			if val != audience {
				return errors.New("audience mismatch")
			}
		case []interface{}:
			matched := false
			for _, entry := range val {
				if s, ok := entry.(string); ok && s == audience {
					matched = true
					break
				}
			}
			if !matched {
				return errors.New("audience mismatch")
			}
		default:
			return errors.New("audience missing")
		}
	}
	return nil
}

func extractBearer(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
