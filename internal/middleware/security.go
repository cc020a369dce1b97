package middleware

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-resilience-router/internal/security"
)

// Largest request body accepted on any route.
const maxBodyBytes = 1 << 20

// SecurityMiddlewareConfig holds configuration for security middleware
type SecurityMiddlewareConfig struct {
	Auth           *security.Config          `yaml:"auth"`
	RateLimit      *security.RateLimitConfig `yaml:"rate_limit"`
	Validation     *ValidationConfig         `yaml:"validation"`
	AllowedOrigins []string                  `yaml:"allowed_origins"`
}

// SecurityMiddleware combines the edge security components
type SecurityMiddleware struct {
	authProvider   *security.DefaultAuthProvider
	rateLimiter    *security.InMemoryRateLimiter
	validator      *ValidationMiddleware
	allowedOrigins []string
	logger         *logrus.Logger
}

func NewSecurityMiddleware(config *SecurityMiddlewareConfig, logger *logrus.Logger) (*SecurityMiddleware, error) {
	var authProvider *security.DefaultAuthProvider
	if config.Auth != nil {
		authProvider = security.NewDefaultAuthProvider(config.Auth, logger)
	}

	var rateLimiter *security.InMemoryRateLimiter
	if config.RateLimit != nil && config.RateLimit.Enabled {
		rateLimiter = security.NewInMemoryRateLimiter(config.RateLimit, logger)
	}

	var validator *ValidationMiddleware
	if config.Validation != nil && config.Validation.Enabled {
		v, err := NewValidationMiddleware(config.Validation, logger)
		if err != nil {
			return nil, err
		}
		validator = v
	}

	return &SecurityMiddleware{
		authProvider:   authProvider,
		rateLimiter:    rateLimiter,
		validator:      validator,
		allowedOrigins: config.AllowedOrigins,
		logger:         logger,
	}, nil
}

// Handler creates the complete security middleware chain
func (s *SecurityMiddleware) Handler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		// Build middleware chain in reverse order (innermost first)
		handler := next

		// 4. Request validation (innermost)
		if s.validator != nil {
			handler = s.validator.Middleware(handler)
		}

		// 3. Rate limiting (after auth to use user-based limits)
		if s.rateLimiter != nil {
			handler = security.RateLimitMiddleware(s.rateLimiter, security.DefaultKeyExtractor)(handler)
		}

		// 2. Authentication
		if s.authProvider != nil {
			handler = s.authProvider.AuthMiddleware()(handler)
		}

		// 1. Headers, CORS and body size (outermost)
		handler = s.corsMiddleware(handler)
		handler = s.securityHeadersMiddleware(handler)

		return handler
	}
}

func (s *SecurityMiddleware) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		if id := r.Header.Get("X-Request-ID"); id != "" {
			w.Header().Set("X-Request-ID", id)
		}

		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *SecurityMiddleware) corsMiddleware(next http.Handler) http.Handler {
	if len(s.allowedOrigins) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Request-ID")
			w.Header().Set("Access-Control-Max-Age", "86400")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *SecurityMiddleware) originAllowed(origin string) bool {
	if origin == "" {
		return false
	}
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Stop gracefully stops all middleware components
func (s *SecurityMiddleware) Stop() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
}

// GetStats reports which components are active
func (s *SecurityMiddleware) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"authentication_enabled": s.authProvider != nil,
		"rate_limiter_enabled":   s.rateLimiter != nil,
		"validation_enabled":     s.validator != nil,
		"cors_enabled":           len(s.allowedOrigins) > 0,
	}
}
