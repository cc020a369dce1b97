package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tributary-ai/llm-resilience-router/internal/budget"
	"github.com/tributary-ai/llm-resilience-router/internal/health"
	"github.com/tributary-ai/llm-resilience-router/internal/middleware"
	"github.com/tributary-ai/llm-resilience-router/internal/observability"
	"github.com/tributary-ai/llm-resilience-router/internal/security"
	"github.com/tributary-ai/llm-resilience-router/internal/server"
	"github.com/tributary-ai/llm-resilience-router/internal/store"
	"github.com/tributary-ai/llm-resilience-router/internal/types"
)

// State backends
const (
	StateBackendMemory   = "memory"
	StateBackendPostgres = "postgres"
)

// Config represents the complete application configuration
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Providers      ProvidersConfig      `yaml:"providers"`
	CircuitBreaker health.BreakerConfig `yaml:"circuit_breaker"`
	Budget         budget.Limits        `yaml:"budget"`
	State          StateConfig          `yaml:"state"`
	HealthProbe    HealthProbeConfig    `yaml:"health_probe"`
	Observability  observability.Config `yaml:"observability"`
	Logging        LoggingConfig        `yaml:"logging"`
	Security       SecurityConfig       `yaml:"security"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           string        `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
}

// ProvidersConfig holds the per-provider configuration. A provider without
// an API key stays unregistered.
type ProvidersConfig struct {
	Cerebras *types.ProviderConfig `yaml:"cerebras"`
	Groq     *types.ProviderConfig `yaml:"groq"`
	Gemini   *types.ProviderConfig `yaml:"gemini"`
}

// StateConfig selects where breaker, health and budget state is kept.
type StateConfig struct {
	Backend  string               `yaml:"backend"`
	Postgres store.PostgresConfig `yaml:"postgres"`
}

// HealthProbeConfig controls the background provider probe.
type HealthProbeConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig holds security configuration
type SecurityConfig struct {
	APIKeys           []string                `yaml:"api_keys"`
	JWTSecret         string                  `yaml:"jwt_secret"`
	RequireAuth       bool                    `yaml:"require_auth"`
	RateLimiting      RateLimitingConfig      `yaml:"rate_limiting"`
	CORS              CORSConfig              `yaml:"cors"`
	RequestValidation RequestValidationConfig `yaml:"request_validation"`
}

// RateLimitingConfig holds per-client rate limiting configuration
type RateLimitingConfig struct {
	Enabled         bool          `yaml:"enabled"`
	RequestsPerMin  int           `yaml:"requests_per_minute"`
	BurstSize       int           `yaml:"burst_size"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// RequestValidationConfig holds OpenAPI request validation configuration
type RequestValidationConfig struct {
	Enabled    bool `yaml:"enabled"`
	StrictMode bool `yaml:"strict_mode"`
}

// LoadConfig loads configuration from file, .env and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}

	// Set defaults
	config.setDefaults()

	// Load from file if provided
	if configPath != "" {
		if err := config.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// .env never overrides variables already present in the environment
	if err := loadDotEnv(".env"); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	// Override with environment variables
	if err := config.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// setDefaults sets default configuration values
func (c *Config) setDefaults() {
	c.Server = ServerConfig{
		Port:           "8080",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   60 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	c.Providers = ProvidersConfig{
		Cerebras: &types.ProviderConfig{
			ID:       types.ProviderCerebras,
			Endpoint: "https://api.cerebras.ai/v1",
			Models:   []string{"llama3.1-8b", "llama-3.3-70b"},
			Limits: types.ProviderLimits{
				MaxTokens: 8192,
				Timeout:   10 * time.Second,
				RateLimit: 30,
			},
			Pricing: types.ProviderPricing{
				InputCostPer1M:  0.10,
				OutputCostPer1M: 0.10,
			},
			Capabilities: []string{"chat", "json_mode", "low_latency"},
		},
		Groq: &types.ProviderConfig{
			ID:       types.ProviderGroq,
			Endpoint: "https://api.groq.com/openai/v1",
			Models:   []string{"llama-3.3-70b-versatile", "llama-3.1-8b-instant"},
			Limits: types.ProviderLimits{
				MaxTokens: 32768,
				Timeout:   15 * time.Second,
				RateLimit: 30,
			},
			Pricing: types.ProviderPricing{
				InputCostPer1M:  0.59,
				OutputCostPer1M: 0.79,
			},
			Capabilities: []string{"chat", "json_mode", "function_calling"},
		},
		Gemini: &types.ProviderConfig{
			ID:     types.ProviderGemini,
			Models: []string{"gemini-2.0-flash", "gemini-1.5-pro"},
			Limits: types.ProviderLimits{
				MaxTokens: 8192,
				Timeout:   30 * time.Second,
				RateLimit: 15,
			},
			Pricing: types.ProviderPricing{
				InputCostPer1M:  0.10,
				OutputCostPer1M: 0.40,
			},
			Capabilities: []string{"chat", "json_mode", "long_context", "reasoning"},
		},
	}

	c.CircuitBreaker = health.DefaultBreakerConfig()

	c.Budget = budget.Limits{
		DailyUSD:   5.0,
		MonthlyUSD: 50.0,
		HoldTTL:    budget.DefaultHoldTTL,
	}

	c.State = StateConfig{
		Backend: StateBackendMemory,
		Postgres: store.PostgresConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
	}

	c.HealthProbe = HealthProbeConfig{
		Enabled:  true,
		Interval: 30 * time.Second,
		Timeout:  5 * time.Second,
	}

	c.Observability = observability.Config{
		ServiceName:   "llm-resilience-router",
		BufferSize:    1000,
		BatchSize:     100,
		FlushInterval: 5 * time.Second,
	}

	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}

	c.Security = SecurityConfig{
		APIKeys:     []string{},
		RequireAuth: false,
		RateLimiting: RateLimitingConfig{
			Enabled:         true,
			RequestsPerMin:  120,
			BurstSize:       20,
			CleanupInterval: 5 * time.Minute,
		},
		CORS: CORSConfig{
			Enabled:        true,
			AllowedOrigins: []string{"*"},
		},
		RequestValidation: RequestValidationConfig{
			Enabled:    true,
			StrictMode: false,
		},
	}
}

// loadFromFile loads configuration from YAML file
func (c *Config) loadFromFile(configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	return nil
}

func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// loadFromEnv loads configuration from environment variables
func (c *Config) loadFromEnv() error {
	// Provider API keys and timeouts
	for _, p := range []struct {
		id  types.ProviderID
		cfg **types.ProviderConfig
	}{
		{types.ProviderCerebras, &c.Providers.Cerebras},
		{types.ProviderGroq, &c.Providers.Groq},
		{types.ProviderGemini, &c.Providers.Gemini},
	} {
		prefix := strings.ToUpper(string(p.id))
		if *p.cfg == nil {
			*p.cfg = &types.ProviderConfig{}
		}
		cfg := *p.cfg
		cfg.ID = p.id

		if apiKey := os.Getenv(prefix + "_API_KEY"); apiKey != "" {
			cfg.APIKey = apiKey
		}
		if endpoint := os.Getenv(prefix + "_ENDPOINT"); endpoint != "" {
			cfg.Endpoint = endpoint
		}
		if model := os.Getenv(prefix + "_MODEL"); model != "" {
			cfg.Models = append([]string{model}, without(cfg.Models, model)...)
		}
		if raw := os.Getenv(prefix + "_TIMEOUT_MS"); raw != "" {
			ms, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("%s_TIMEOUT_MS: %w", prefix, err)
			}
			cfg.Limits.Timeout = time.Duration(ms) * time.Millisecond
		}
	}

	// Circuit breaker
	if raw := os.Getenv("CIRCUIT_BREAKER_FAILURE_THRESHOLD"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("CIRCUIT_BREAKER_FAILURE_THRESHOLD: %w", err)
		}
		c.CircuitBreaker.FailureThreshold = n
	}
	if raw := os.Getenv("CIRCUIT_BREAKER_OPEN_DURATION"); raw != "" {
		d, err := parseDuration(raw)
		if err != nil {
			return fmt.Errorf("CIRCUIT_BREAKER_OPEN_DURATION: %w", err)
		}
		c.CircuitBreaker.OpenDuration = d
	}
	if raw := os.Getenv("CIRCUIT_BREAKER_FAILURE_WINDOW"); raw != "" {
		d, err := parseDuration(raw)
		if err != nil {
			return fmt.Errorf("CIRCUIT_BREAKER_FAILURE_WINDOW: %w", err)
		}
		c.CircuitBreaker.FailureWindow = d
	}

	// Budget
	if raw := os.Getenv("BUDGET_DAILY_LIMIT_USD"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("BUDGET_DAILY_LIMIT_USD: %w", err)
		}
		c.Budget.DailyUSD = v
	}
	if raw := os.Getenv("BUDGET_MONTHLY_LIMIT_USD"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("BUDGET_MONTHLY_LIMIT_USD: %w", err)
		}
		c.Budget.MonthlyUSD = v
	}
	if raw := os.Getenv("BUDGET_RESERVATION_TTL"); raw != "" {
		d, err := parseDuration(raw)
		if err != nil {
			return fmt.Errorf("BUDGET_RESERVATION_TTL: %w", err)
		}
		c.Budget.HoldTTL = d
	}

	// Server configuration
	if port := os.Getenv("LLM_ROUTER_PORT"); port != "" {
		c.Server.Port = port
	}

	// Logging configuration
	if level := os.Getenv("LLM_ROUTER_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("LLM_ROUTER_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}

	// Shared state
	if backend := os.Getenv("LLM_ROUTER_STATE_BACKEND"); backend != "" {
		c.State.Backend = backend
	}
	if dsn := os.Getenv("LLM_ROUTER_STATE_DSN"); dsn != "" {
		c.State.Postgres.DSN = dsn
	}

	// Edge security
	if keys := os.Getenv("LLM_ROUTER_API_KEYS"); keys != "" {
		c.Security.APIKeys = splitList(keys)
		c.Security.RequireAuth = len(c.Security.APIKeys) > 0
	}
	if secret := os.Getenv("LLM_ROUTER_JWT_SECRET"); secret != "" {
		c.Security.JWTSecret = secret
	}

	return nil
}

// parseDuration accepts Go duration strings ("30s") and bare milliseconds.
func parseDuration(raw string) (time.Duration, error) {
	if ms, err := strconv.Atoi(raw); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(raw)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func without(list []string, drop string) []string {
	out := make([]string, 0, len(list))
	for _, item := range list {
		if item != drop {
			out = append(out, item)
		}
	}
	return out
}

// validate validates the configuration
func (c *Config) validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		return fmt.Errorf("server port must be numeric: %s", c.Server.Port)
	}

	// Validate providers
	enabled := c.GetEnabledProviders()
	if len(enabled) == 0 {
		return fmt.Errorf("at least one provider must be configured with an API key")
	}
	for _, p := range enabled {
		if len(p.Models) == 0 {
			return fmt.Errorf("provider %s: at least one model is required", p.ID)
		}
		if p.Limits.Timeout <= 0 {
			return fmt.Errorf("provider %s: timeout must be positive", p.ID)
		}
		if p.Limits.MaxTokens <= 0 {
			return fmt.Errorf("provider %s: max tokens must be positive", p.ID)
		}
		if p.Limits.RateLimit < 0 {
			return fmt.Errorf("provider %s: rate limit cannot be negative", p.ID)
		}
		if p.Pricing.InputCostPer1M < 0 || p.Pricing.OutputCostPer1M < 0 {
			return fmt.Errorf("provider %s: pricing cannot be negative", p.ID)
		}
	}

	// Validate circuit breaker
	if c.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("circuit breaker failure threshold must be at least 1")
	}
	if c.CircuitBreaker.FailureWindow <= 0 || c.CircuitBreaker.OpenDuration <= 0 {
		return fmt.Errorf("circuit breaker durations must be positive")
	}

	// Validate budget
	if c.Budget.DailyUSD < 0 || c.Budget.MonthlyUSD < 0 {
		return fmt.Errorf("budget limits cannot be negative")
	}
	for _, p := range enabled {
		if c.Budget.HoldTTL <= p.Limits.Timeout {
			return fmt.Errorf("budget reservation ttl %s must exceed provider %s timeout %s",
				c.Budget.HoldTTL, p.ID, p.Limits.Timeout)
		}
	}

	// Validate state backend
	switch c.State.Backend {
	case StateBackendMemory:
	case StateBackendPostgres:
		if c.State.Postgres.DSN == "" {
			return fmt.Errorf("state backend postgres requires a DSN")
		}
	default:
		return fmt.Errorf("invalid state backend: %s", c.State.Backend)
	}

	if c.HealthProbe.Enabled && c.HealthProbe.Interval <= 0 {
		return fmt.Errorf("health probe interval must be positive")
	}

	// Validate logging config
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Security.RequireAuth && len(c.Security.APIKeys) == 0 && c.Security.JWTSecret == "" {
		return fmt.Errorf("authentication required but no API keys or JWT secret configured")
	}

	return nil
}

// ToServerConfig converts config to server config
func (c *Config) ToServerConfig() *server.ServerConfig {
	return &server.ServerConfig{
		Port:           c.Server.Port,
		ReadTimeout:    c.Server.ReadTimeout,
		WriteTimeout:   c.Server.WriteTimeout,
		MaxHeaderBytes: c.Server.MaxHeaderBytes,
		Security:       c.ToSecurityMiddlewareConfig(),
	}
}

// ToSecurityMiddlewareConfig converts config to security middleware config
func (c *Config) ToSecurityMiddlewareConfig() *middleware.SecurityMiddlewareConfig {
	cfg := &middleware.SecurityMiddlewareConfig{
		Auth: &security.Config{
			APIKeys:     c.Security.APIKeys,
			JWTSecret:   c.Security.JWTSecret,
			RequireAuth: c.Security.RequireAuth,
		},
		RateLimit: &security.RateLimitConfig{
			Enabled:           c.Security.RateLimiting.Enabled,
			RequestsPerMinute: c.Security.RateLimiting.RequestsPerMin,
			BurstSize:         c.Security.RateLimiting.BurstSize,
			CleanupInterval:   c.Security.RateLimiting.CleanupInterval,
		},
		Validation: &middleware.ValidationConfig{
			Enabled:    c.Security.RequestValidation.Enabled,
			StrictMode: c.Security.RequestValidation.StrictMode,
		},
	}
	if c.Security.CORS.Enabled {
		cfg.AllowedOrigins = c.Security.CORS.AllowedOrigins
	}
	return cfg
}

// SaveToFile saves the current configuration to a YAML file
func (c *Config) SaveToFile(filePath string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetEnabledProviders returns the providers that carry an API key, in
// canonical order.
func (c *Config) GetEnabledProviders() []*types.ProviderConfig {
	var enabled []*types.ProviderConfig
	for _, cfg := range []*types.ProviderConfig{c.Providers.Cerebras, c.Providers.Groq, c.Providers.Gemini} {
		if cfg != nil && cfg.APIKey != "" {
			enabled = append(enabled, cfg)
		}
	}
	return enabled
}
