package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-resilience-router/internal/budget"
	"github.com/tributary-ai/llm-resilience-router/internal/executor"
	"github.com/tributary-ai/llm-resilience-router/internal/gateway"
	"github.com/tributary-ai/llm-resilience-router/internal/health"
	"github.com/tributary-ai/llm-resilience-router/internal/middleware"
	"github.com/tributary-ai/llm-resilience-router/internal/providers"
	"github.com/tributary-ai/llm-resilience-router/internal/security"
	"github.com/tributary-ai/llm-resilience-router/internal/types"
)

// Overall service status reported by /v1/health.
const (
	statusHealthy     = "healthy"
	statusDegraded    = "degraded"
	statusUnavailable = "unavailable"
)

// Server represents the HTTP server
type Server struct {
	backend            Backend
	handler            http.Handler
	httpServer         *http.Server
	logger             *logrus.Logger
	config             *ServerConfig
	securityMiddleware *middleware.SecurityMiddleware
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           string                               `yaml:"port"`
	ReadTimeout    time.Duration                        `yaml:"read_timeout"`
	WriteTimeout   time.Duration                        `yaml:"write_timeout"`
	MaxHeaderBytes int                                  `yaml:"max_header_bytes"`
	Security       *middleware.SecurityMiddlewareConfig `yaml:"security"`
}

func (c *ServerConfig) credentialsConfigured() bool {
	if c.Security == nil || c.Security.Auth == nil {
		return false
	}
	return len(c.Security.Auth.APIKeys) > 0 || c.Security.Auth.JWTSecret != ""
}

// Backend is everything the handlers read from or drive.
type Backend struct {
	Gateway  *gateway.Gateway
	Registry *providers.Registry
	Tracker  *health.Tracker
	Guard    *budget.Guard
	Metrics  prometheus.Gatherer
}

// NewServer creates a new server instance
func NewServer(backend Backend, config *ServerConfig, logger *logrus.Logger) (*Server, error) {
	if backend.Metrics == nil {
		backend.Metrics = prometheus.DefaultGatherer
	}

	server := &Server{
		backend: backend,
		logger:  logger,
		config:  config,
	}

	// Initialize security middleware if configured
	if config.Security != nil {
		securityMiddleware, err := middleware.NewSecurityMiddleware(config.Security, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize security middleware: %w", err)
		}
		server.securityMiddleware = securityMiddleware
	}
	if !config.credentialsConfigured() {
		logger.Warn("No API keys or JWT secret configured; circuit overrides and budget reads will be refused")
	}

	var handler http.Handler = server.setupRoutes()
	// wrapped outside the mux so preflight requests reach CORS before
	// method matching rejects them
	if server.securityMiddleware != nil {
		handler = server.securityMiddleware.Handler()(handler)
	}
	server.handler = server.loggingMiddleware(handler)

	return server, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:           ":" + s.config.Port,
		Handler:        s.handler,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.WithField("port", s.config.Port).Info("Starting LLM resilience router server")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping LLM resilience router server")

	if s.securityMiddleware != nil {
		s.securityMiddleware.Stop()
	}

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.contentTypeMiddleware)

	api := r.PathPrefix("/v1").Subrouter()

	api.HandleFunc("/chat", s.handleChat).Methods(http.MethodPost)
	api.HandleFunc("/routing/decision", s.handleRoutingDecision).Methods(http.MethodPost)

	api.HandleFunc("/providers", s.handleListProviders).Methods(http.MethodGet)
	api.HandleFunc("/providers/{name}", s.handleGetProvider).Methods(http.MethodGet)
	api.Handle("/providers/{name}/circuit",
		security.RequirePermission(security.PermissionAdmin)(http.HandlerFunc(s.handleCircuitOverride)),
	).Methods(http.MethodPost)

	api.HandleFunc("/health", s.handleHealthCheck).Methods(http.MethodGet)
	api.HandleFunc("/health/{name}", s.handleProviderHealth).Methods(http.MethodGet)
	api.Handle("/budget/{sessionId}",
		security.RequirePermission(security.PermissionRead)(http.HandlerFunc(s.handleBudget)),
	).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.HandlerFor(s.backend.Metrics, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/docs/openapi.json", s.handleOpenAPISpec).Methods(http.MethodGet)

	// Liveness (no /v1 prefix)
	r.HandleFunc("/health", s.handleLiveness).Methods(http.MethodGet)

	return r
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"user_agent":  r.UserAgent(),
			"client_ip":   security.ClientIP(r),
		}).Info("HTTP request")
	})
}

func (s *Server) contentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			if ct := r.Header.Get("Content-Type"); ct != "" {
				mediaType, _, err := mime.ParseMediaType(ct)
				if err != nil || mediaType != "application/json" {
					s.writeErrorResponse(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "Content-Type must be application/json")
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Handlers

// handleChat routes a request through the provider chain
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRouteRequest(w, r)
	if !ok {
		return
	}

	resp, err := s.backend.Gateway.Handle(r.Context(), req)
	if err != nil {
		s.writeRouteError(w, req, err)
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleRoutingDecision returns routing decision without executing request
func (s *Server) handleRoutingDecision(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRouteRequest(w, r)
	if !ok {
		return
	}

	decision, err := s.backend.Gateway.Decide(r.Context(), req)
	if err != nil {
		s.writeRouteError(w, req, err)
		return
	}

	s.writeJSON(w, http.StatusOK, decision)
}

// handleListProviders lists all registered providers
func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	configs := s.backend.Registry.Configs()
	views := make([]types.ProviderView, 0, len(configs))
	for _, c := range configs {
		views = append(views, c.View())
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": views,
		"count":     len(views),
	})
}

// handleGetProvider gets information about a specific provider
func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	id, ok := s.registeredProvider(w, r)
	if !ok {
		return
	}

	_, cfg, _ := s.backend.Registry.Get(id)
	st, err := s.backend.Tracker.Get(r.Context(), id)
	if err != nil {
		s.logger.WithError(err).WithField("provider", id).Error("Failed to read provider state")
		s.writeErrorResponse(w, http.StatusInternalServerError, "internal_error", "Provider state unavailable")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"provider": cfg.View(),
		"health":   st.Health,
		"breaker":  st.Breaker,
	})
}

type circuitOverrideRequest struct {
	Action string `json:"action"`
}

// handleCircuitOverride lets an operator force a breaker open or reset it
func (s *Server) handleCircuitOverride(w http.ResponseWriter, r *http.Request) {
	id, ok := s.registeredProvider(w, r)
	if !ok {
		return
	}

	var body circuitOverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	st, err := s.backend.Gateway.OverrideCircuit(r.Context(), id, body.Action)
	if err != nil {
		var invalid *gateway.ValidationError
		if errors.As(err, &invalid) {
			s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", invalid.Error())
			return
		}
		s.logger.WithError(err).WithField("provider", id).Error("Circuit override failed")
		s.writeErrorResponse(w, http.StatusInternalServerError, "internal_error", "Circuit override failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"provider": id,
		"breaker":  st,
	})
}

// handleHealthCheck reports every registered provider. The service is
// unavailable only when no provider can take traffic.
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	snapshot := s.backend.Tracker.Snapshot(r.Context())
	ids := s.backend.Registry.IDs()

	providersHealth := make(map[types.ProviderID]health.ProviderStatus, len(ids))
	healthy, available := 0, 0
	for _, id := range ids {
		st := snapshot[id]
		providersHealth[id] = st
		switch st.Health.Status {
		case health.StatusHealthy:
			healthy++
			available++
		case health.StatusDegraded:
			available++
		}
	}

	overall := statusDegraded
	statusCode := http.StatusOK
	switch {
	case len(ids) > 0 && healthy == len(ids):
		overall = statusHealthy
	case available == 0:
		overall = statusUnavailable
		statusCode = http.StatusServiceUnavailable
	}

	s.writeJSON(w, statusCode, map[string]interface{}{
		"status":    overall,
		"providers": providersHealth,
		"timestamp": time.Now().Unix(),
	})
}

// handleProviderHealth returns health status for specific provider
func (s *Server) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	id, ok := s.registeredProvider(w, r)
	if !ok {
		return
	}

	st, err := s.backend.Tracker.Get(r.Context(), id)
	if err != nil {
		s.logger.WithError(err).WithField("provider", id).Error("Failed to read provider health")
		s.writeErrorResponse(w, http.StatusInternalServerError, "internal_error", "Provider health unavailable")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"provider":  id,
		"health":    st.Health,
		"breaker":   st.Breaker,
		"timestamp": time.Now().Unix(),
	})
}

// handleBudget returns a session's spend against its limits
func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]

	st, err := s.backend.Guard.State(r.Context(), sessionID)
	if err != nil {
		s.logger.WithError(err).WithField("session_id", sessionID).Error("Failed to read budget state")
		s.writeErrorResponse(w, http.StatusInternalServerError, "internal_error", "Budget state unavailable")
		return
	}

	s.writeJSON(w, http.StatusOK, st)
}

// handleOpenAPISpec serves the embedded API description as JSON
func (s *Server) handleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	doc, err := middleware.OpenAPIDocument()
	if err != nil {
		s.logger.WithError(err).Error("OpenAPI document unavailable")
		s.writeErrorResponse(w, http.StatusInternalServerError, "internal_error", "OpenAPI document unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}

// Helper functions

func (s *Server) decodeRouteRequest(w http.ResponseWriter, r *http.Request) (*types.RouteRequest, bool) {
	var req types.RouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("Invalid JSON: %v", err))
		return nil, false
	}
	return &req, true
}

func (s *Server) registeredProvider(w http.ResponseWriter, r *http.Request) (types.ProviderID, bool) {
	name := mux.Vars(r)["name"]
	id, ok := types.ParseProviderID(name)
	if !ok || !s.backend.Registry.Has(id) {
		s.writeErrorResponse(w, http.StatusNotFound, "not_found", fmt.Sprintf("Provider %s not found", name))
		return "", false
	}
	return id, true
}

// writeRouteError maps the terminal errors of a route request onto the
// HTTP contract.
func (s *Server) writeRouteError(w http.ResponseWriter, req *types.RouteRequest, err error) {
	var (
		invalid   *gateway.ValidationError
		exceeded  *budget.ExceededError
		exhausted *executor.ExhaustedError
	)

	switch {
	case errors.As(err, &invalid):
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", invalid.Error())

	case errors.As(err, &exceeded):
		s.writeJSON(w, http.StatusPaymentRequired, types.BudgetExceededResponse{
			Error:        string(types.ErrorKindBudgetExceeded),
			CurrentUsage: exceeded.CurrentUsage,
			Limit:        exceeded.Limit,
			Period:       string(exceeded.Period),
		})

	case errors.As(err, &exhausted):
		status := http.StatusBadGateway
		if exhausted.AllTimedOut() {
			status = http.StatusGatewayTimeout
		}
		s.writeJSON(w, status, types.ProvidersFailedResponse{
			Error:    "all_providers_failed",
			Kind:     exhausted.Kind(),
			Reason:   exhausted.Reason,
			Attempts: exhausted.Summaries(),
		})

	case errors.Is(err, executor.ErrAbandoned):
		s.logger.WithError(err).WithField("request_id", req.Metadata.RequestID).Info("Route request abandoned")
		status := http.StatusServiceUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		s.writeErrorResponse(w, status, "request_abandoned", "Request ended before a provider answered")

	default:
		s.logger.WithError(err).WithFields(logrus.Fields{
			"request_id": req.Metadata.RequestID,
			"session_id": req.SessionID,
		}).Error("Route request failed")
		s.writeErrorResponse(w, http.StatusInternalServerError, "internal_error", "Request could not be processed")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.WithError(err).Warn("Failed to write response")
	}
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, code, message string) {
	s.writeJSON(w, statusCode, types.ErrorResponse{Error: code, Message: message})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
