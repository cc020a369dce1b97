package security

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// Permissions granted to callers.
const (
	PermissionChat  = "router:chat"
	PermissionRead  = "router:read"
	PermissionAdmin = "router:admin"
)

const (
	tokenIssuer      = "llm-resilience-router"
	defaultJWTExpiry = 24 * time.Hour

	credentialAPIKey = "api_key"
	credentialJWT    = "jwt"
)

var (
	errNoCredentials  = errors.New("no credentials presented")
	errUnknownAPIKey  = errors.New("api key not recognised")
	errJWTUnavailable = errors.New("jwt signing secret not configured")
	errBadCredentials = errors.New("credentials rejected")
)

// Paths served without credentials.
var publicPrefixes = []string{"/health", "/metrics", "/docs"}

type ctxKey struct{}

// Identity is the caller a request was authenticated as.
type Identity struct {
	Subject     string            `json:"subject"`
	Credential  string            `json:"credential"`
	Permissions []string          `json:"permissions"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Expires     time.Time         `json:"expires,omitzero"`
}

func (id *Identity) Can(perm string) bool {
	return slices.Contains(id.Permissions, perm)
}

// Claims is the JWT payload issued and accepted by the router.
type Claims struct {
	Permissions []string          `json:"perms"`
	Attributes  map[string]string `json:"attrs,omitempty"`
	jwt.RegisteredClaims
}

// Config holds authentication configuration.
type Config struct {
	APIKeys     []string      `yaml:"api_keys"`
	JWTSecret   string        `yaml:"jwt_secret"`
	JWTExpiry   time.Duration `yaml:"jwt_expiry"`
	RequireAuth bool          `yaml:"require_auth"`
}

// DefaultAuthProvider accepts static API keys and HS256 JWTs.
type DefaultAuthProvider struct {
	config *Config
	logger *logrus.Logger
	now    func() time.Time
}

func NewDefaultAuthProvider(config *Config, logger *logrus.Logger) *DefaultAuthProvider {
	if config.JWTExpiry == 0 {
		config.JWTExpiry = defaultJWTExpiry
	}
	return &DefaultAuthProvider{config: config, logger: logger, now: time.Now}
}

// Identify resolves a presented credential. API keys are tried first since
// they are a cheap comparison.
func (a *DefaultAuthProvider) Identify(credential string) (*Identity, error) {
	if credential == "" {
		return nil, errNoCredentials
	}
	if id, err := a.CheckAPIKey(credential); err == nil {
		return id, nil
	}
	claims, err := a.ParseJWT(credential)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errBadCredentials, err)
	}
	id := &Identity{
		Subject:     claims.Subject,
		Credential:  credentialJWT,
		Permissions: claims.Permissions,
		Attributes:  claims.Attributes,
	}
	if claims.ExpiresAt != nil {
		id.Expires = claims.ExpiresAt.Time
	}
	return id, nil
}

// CheckAPIKey matches key against the configured keys. Key holders are
// operators and get every permission.
func (a *DefaultAuthProvider) CheckAPIKey(key string) (*Identity, error) {
	if key == "" {
		return nil, errNoCredentials
	}
	match := -1
	for i, candidate := range a.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(candidate)) == 1 {
			match = i
		}
	}
	if match < 0 {
		return nil, errUnknownAPIKey
	}
	return &Identity{
		Subject:     keySubject(key),
		Credential:  credentialAPIKey,
		Permissions: []string{PermissionChat, PermissionRead, PermissionAdmin},
		Attributes:  map[string]string{"key_slot": fmt.Sprint(match)},
	}, nil
}

// GenerateJWT signs a token for subject. A []string "permissions" entry in
// extra becomes the permission list; other string values become attributes.
func (a *DefaultAuthProvider) GenerateJWT(subject string, extra map[string]interface{}) (string, error) {
	if a.config.JWTSecret == "" {
		return "", errJWTUnavailable
	}

	issued := a.now()
	claims := Claims{
		Attributes: map[string]string{},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(issued),
			NotBefore: jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(a.config.JWTExpiry)),
		},
	}
	for name, v := range extra {
		switch v := v.(type) {
		case []string:
			if name == "permissions" {
				claims.Permissions = v
			}
		case string:
			claims.Attributes[name] = v
		}
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, &claims).SignedString([]byte(a.config.JWTSecret))
}

// ParseJWT verifies signature, issuer and validity window.
func (a *DefaultAuthProvider) ParseJWT(raw string) (*Claims, error) {
	if a.config.JWTSecret == "" {
		return nil, errJWTUnavailable
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims,
		func(*jwt.Token) (interface{}, error) { return []byte(a.config.JWTSecret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, err
	}
	return &claims, nil
}

// AuthMiddleware attaches the caller identity to the request context. With
// RequireAuth unset anonymous calls pass, but presented credentials are still
// checked so operators can reach permission-guarded routes.
func (a *DefaultAuthProvider) AuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			id, err := a.Identify(credentialFrom(r))
			switch {
			case errors.Is(err, errNoCredentials):
				if !a.config.RequireAuth {
					next.ServeHTTP(w, r)
					return
				}
				writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
				return
			case err != nil:
				a.logger.WithError(err).WithFields(logrus.Fields{
					"method":    r.Method,
					"path":      r.URL.Path,
					"client_ip": ClientIP(r),
				}).Warn("Rejected request credentials")
				writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid credentials")
				return
			}

			a.logger.WithFields(logrus.Fields{
				"subject":    id.Subject,
				"credential": id.Credential,
			}).Debug("Caller authenticated")
			next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), id)))
		})
	}
}

// RequirePermission answers 401 for anonymous callers and 403 for callers
// without perm, whether or not authentication is globally required.
func RequirePermission(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFrom(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
				return
			}
			if !id.Can(perm) {
				writeError(w, http.StatusForbidden, "forbidden", perm+" permission required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func IdentityFrom(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(*Identity)
	return id, ok && id != nil
}

// ClientIP returns the caller address, preferring proxy headers.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if i := strings.LastIndexByte(r.RemoteAddr, ':'); i >= 0 {
		return r.RemoteAddr[:i]
	}
	return r.RemoteAddr
}

func isPublicPath(path string) bool {
	return slices.ContainsFunc(publicPrefixes, func(p string) bool {
		return strings.HasPrefix(path, p)
	})
}

// credentialFrom reads a bearer token, falling back to X-API-Key.
func credentialFrom(r *http.Request) string {
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return r.Header.Get("X-API-Key")
}

func keySubject(key string) string {
	return "key:" + redact(key)
}

// redact keeps a short prefix of a secret for log correlation.
func redact(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "****"
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message})
}
