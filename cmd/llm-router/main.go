package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/tributary-ai/llm-resilience-router/internal/budget"
	"github.com/tributary-ai/llm-resilience-router/internal/clock"
	"github.com/tributary-ai/llm-resilience-router/internal/complexity"
	"github.com/tributary-ai/llm-resilience-router/internal/config"
	"github.com/tributary-ai/llm-resilience-router/internal/executor"
	"github.com/tributary-ai/llm-resilience-router/internal/gateway"
	"github.com/tributary-ai/llm-resilience-router/internal/health"
	"github.com/tributary-ai/llm-resilience-router/internal/observability"
	"github.com/tributary-ai/llm-resilience-router/internal/providers"
	"github.com/tributary-ai/llm-resilience-router/internal/providers/gemini"
	"github.com/tributary-ai/llm-resilience-router/internal/providers/openai"
	"github.com/tributary-ai/llm-resilience-router/internal/routing"
	"github.com/tributary-ai/llm-resilience-router/internal/server"
	"github.com/tributary-ai/llm-resilience-router/internal/store"
	"github.com/tributary-ai/llm-resilience-router/internal/types"
)

const version = "1.0.0"

// Application represents the main application
type Application struct {
	config         *config.Config
	store          store.Store
	tracerProvider *sdktrace.TracerProvider
	recorder       *observability.Recorder
	prober         *health.Prober
	server         *server.Server
	logger         *logrus.Logger
}

// NewApplication creates a new application instance
func NewApplication(ctx context.Context, configPath string) (*Application, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logrus.New()
	if err := setupLogger(logger, cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	sharedStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	registry := providers.NewRegistry(logger)
	if err := registerProviders(ctx, registry, cfg, logger); err != nil {
		sharedStore.Close()
		return nil, fmt.Errorf("failed to register providers: %w", err)
	}

	c := clock.Real{}
	tracker := health.NewTracker(types.AllProviders, cfg.CircuitBreaker, sharedStore, c, logger)
	guard := budget.NewGuard(sharedStore, c, cfg.Budget, logger)

	tp := newTracerProvider(cfg.Observability.ServiceName)
	otel.SetTracerProvider(tp)

	metricsRegistry := prometheus.NewRegistry()
	metricsRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := observability.NewRecorder(cfg.Observability, tp, metricsRegistry, nil, logger)

	gw := gateway.New(gateway.Deps{
		Scorer:   complexity.NewScorer(),
		Tracker:  tracker,
		Router:   routing.NewRouter(registry, logger),
		Executor: executor.NewFallbackExecutor(registry, tracker, guard, recorder, logger),
		Guard:    guard,
		Recorder: recorder,
		Clock:    c,
		Logger:   logger,
	})

	serverInstance, err := server.NewServer(server.Backend{
		Gateway:  gw,
		Registry: registry,
		Tracker:  tracker,
		Guard:    guard,
		Metrics:  metricsRegistry,
	}, cfg.ToServerConfig(), logger)
	if err != nil {
		sharedStore.Close()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	var prober *health.Prober
	if cfg.HealthProbe.Enabled {
		checkers := make([]health.Checker, 0, len(registry.IDs()))
		for _, id := range registry.IDs() {
			p, _, _ := registry.Get(id)
			checkers = append(checkers, p)
		}
		prober = health.NewProber(tracker, checkers, cfg.HealthProbe.Interval, cfg.HealthProbe.Timeout, c, logger)
	}

	return &Application{
		config:         cfg,
		store:          sharedStore,
		tracerProvider: tp,
		recorder:       recorder,
		prober:         prober,
		server:         serverInstance,
		logger:         logger,
	}, nil
}

// Run starts the application
func (app *Application) Run(ctx context.Context) error {
	app.logger.WithField("version", version).Info("Starting LLM resilience router")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	app.recorder.Start()
	if app.prober != nil {
		app.prober.Start(ctx)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		app.logger.WithField("address", ":"+app.config.Server.Port).Info("HTTP server starting")
		if err := app.server.Start(); err != nil {
			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	var runErr error
	select {
	case err := <-serverErrors:
		runErr = fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		app.logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	}

	app.logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer shutdownCancel()

	if err := app.server.Stop(shutdownCtx); err != nil {
		app.logger.WithError(err).Error("Server shutdown error")
		if runErr == nil {
			runErr = fmt.Errorf("server shutdown failed: %w", err)
		}
	}
	if app.prober != nil {
		app.prober.Stop()
	}
	// after the server so in-flight attempts are still recorded
	app.recorder.Stop()
	if err := app.tracerProvider.Shutdown(shutdownCtx); err != nil {
		app.logger.WithError(err).Warn("Tracer provider shutdown error")
	}
	if err := app.store.Close(); err != nil {
		app.logger.WithError(err).Warn("State store close error")
	}

	if runErr == nil {
		app.logger.Info("Graceful shutdown completed")
	}
	return runErr
}

// setupLogger configures the logger based on configuration
func setupLogger(logger *logrus.Logger, config config.LoggingConfig) error {
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", config.Level, err)
	}
	logger.SetLevel(level)

	switch config.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return fmt.Errorf("invalid log format: %s", config.Format)
	}

	switch config.Output {
	case "", "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		// Assume it's a file path
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", config.Output, err)
		}
		logger.SetOutput(file)
	}

	return nil
}

// openStore picks the shared state backend. PostgreSQL lets several router
// instances see the same breakers and budgets.
func openStore(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (store.Store, error) {
	switch cfg.State.Backend {
	case config.StateBackendPostgres:
		pg, err := store.OpenPostgres(ctx, cfg.State.Postgres, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open state store: %w", err)
		}
		return pg, nil
	default:
		logger.Info("Using in-memory state store; breaker and budget state is local to this instance")
		return store.NewMemoryStore(), nil
	}
}

// registerProviders registers every provider that has an API key
func registerProviders(ctx context.Context, registry *providers.Registry, cfg *config.Config, logger *logrus.Logger) error {
	for _, pc := range cfg.GetEnabledProviders() {
		var (
			provider providers.LLMProvider
			err      error
		)
		switch pc.ID {
		case types.ProviderGemini:
			provider, err = gemini.NewGeminiProvider(ctx, *pc, nil, logger)
		default:
			provider, err = openai.NewCompatProvider(*pc, nil, logger)
		}
		if err != nil {
			return fmt.Errorf("provider %s: %w", pc.ID, err)
		}
		if err := registry.Register(*pc, provider); err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{
			"provider": pc.ID,
			"models":   len(pc.Models),
		}).Info("Provider registered")
	}

	if len(registry.IDs()) == 0 {
		return fmt.Errorf("no providers were registered - check your configuration and API keys")
	}

	logger.WithField("count", len(registry.IDs())).Info("Provider registration completed")
	return nil
}

func newTracerProvider(serviceName string) *sdktrace.TracerProvider {
	res := resource.NewSchemaless(attribute.String("service.name", serviceName))
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
}

// printUsage prints application usage information
func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
	fmt.Fprintf(os.Stderr, "  CEREBRAS_API_KEY, GROQ_API_KEY, GEMINI_API_KEY   Provider API keys\n")
	fmt.Fprintf(os.Stderr, "  <PROVIDER>_ENDPOINT, <PROVIDER>_MODEL, <PROVIDER>_TIMEOUT_MS\n")
	fmt.Fprintf(os.Stderr, "  CIRCUIT_BREAKER_FAILURE_THRESHOLD  Failures before a breaker opens (default: 5)\n")
	fmt.Fprintf(os.Stderr, "  CIRCUIT_BREAKER_OPEN_DURATION      Open period, ms or Go duration (default: 30s)\n")
	fmt.Fprintf(os.Stderr, "  CIRCUIT_BREAKER_FAILURE_WINDOW     Failure window, ms or Go duration (default: 60s)\n")
	fmt.Fprintf(os.Stderr, "  BUDGET_DAILY_LIMIT_USD             Per-session daily limit (default: 5)\n")
	fmt.Fprintf(os.Stderr, "  BUDGET_MONTHLY_LIMIT_USD           Per-session monthly limit (default: 50)\n")
	fmt.Fprintf(os.Stderr, "  BUDGET_RESERVATION_TTL             Unsettled reservation lifetime (default: 5m)\n")
	fmt.Fprintf(os.Stderr, "  LLM_ROUTER_PORT                    Server port (default: 8080)\n")
	fmt.Fprintf(os.Stderr, "  LLM_ROUTER_LOG_LEVEL               Log level (debug,info,warn,error,fatal)\n")
	fmt.Fprintf(os.Stderr, "  LLM_ROUTER_LOG_FORMAT              Log format (json,text)\n")
	fmt.Fprintf(os.Stderr, "  LLM_ROUTER_STATE_BACKEND           Shared state backend (memory,postgres)\n")
	fmt.Fprintf(os.Stderr, "  LLM_ROUTER_STATE_DSN               PostgreSQL DSN for the postgres backend\n")
	fmt.Fprintf(os.Stderr, "  LLM_ROUTER_API_KEYS                Comma-separated API keys; enables auth\n")
	fmt.Fprintf(os.Stderr, "  LLM_ROUTER_JWT_SECRET              HMAC secret for bearer tokens\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  %s --config configs/config.yaml\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  GROQ_API_KEY=gsk-xxx GEMINI_API_KEY=xxx %s\n", os.Args[0])
}

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showHelp    = flag.Bool("help", false, "Show help message")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *showVersion {
		fmt.Printf("LLM Resilience Router v%s\n", version)
		os.Exit(0)
	}

	ctx := context.Background()

	app, err := NewApplication(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Application error: %v\n", err)
		os.Exit(1)
	}
}
