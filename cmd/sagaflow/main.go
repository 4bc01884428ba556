package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sagaflow/sagaflow/config"
	"github.com/sagaflow/sagaflow/pkg/api"
	"github.com/sagaflow/sagaflow/pkg/api/handlers"
	"github.com/sagaflow/sagaflow/pkg/api/middleware"
	"github.com/sagaflow/sagaflow/pkg/eventbus"
	"github.com/sagaflow/sagaflow/pkg/logger"
	"github.com/sagaflow/sagaflow/pkg/metrics"
	"github.com/sagaflow/sagaflow/pkg/pipeline"
	"github.com/sagaflow/sagaflow/pkg/saga"
	"github.com/sagaflow/sagaflow/pkg/telemetry/tracing"
	"github.com/sagaflow/sagaflow/pkg/version"
)

var (
	configPath  = flag.String("config", "", "Path to configuration file")
	versionFlag = flag.Bool("version", false, "Print version information")
	helpFlag    = flag.Bool("help", false, "Print help information")

	// CLI overrides
	appName    = flag.String("app-name", "", "Override app name")
	serverPort = flag.Int("port", 0, "Override server port")
	logLevel   = flag.String("log-level", "", "Override log level")
	storage    = flag.String("storage", "", "Override storage backend (memory, badger, redis)")
	debugMode  = flag.Bool("debug", false, "Enable debug mode")
)

func main() {
	flag.Parse()

	if *helpFlag {
		printHelp()
		os.Exit(0)
	}
	if *versionFlag {
		printVersion()
		os.Exit(0)
	}

	// Load configuration with CLI overrides applied last
	cfg, err := config.Load(*configPath, buildOverrides())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration:\n%s\n", err)
		os.Exit(1)
	}

	// Initialize logger with configuration
	logCfg := &logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}
	if cfg.App.Debug || *debugMode {
		logCfg.Level = logger.DebugLevel
	}
	log := logger.New(logCfg)
	logger.SetGlobal(log)

	log.Info("Starting Sagaflow",
		"version", version.Version,
		"buildTime", version.BuildTime,
		"gitCommit", version.GitCommit,
		"app", cfg.App.Name,
		"environment", cfg.App.Environment,
	)
	log.Debug("Configuration loaded", "config", cfg.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Distributed tracing
	traceShutdown, err := tracing.Init(ctx, cfg.Tracing, cfg.App.Name, version.Version)
	if err != nil {
		log.Error("Failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := traceShutdown(shutdownCtx); err != nil {
			log.Warn("Tracing shutdown failed", "error", err)
		}
	}()

	// Instance store
	store, readyChecks, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to initialize storage", "error", err, "type", cfg.Storage.Type)
		os.Exit(1)
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Error("Error closing storage", "error", err)
		}
	}()

	// Write-ahead log
	var wal *saga.BadgerWAL
	if cfg.Storage.WAL.Enabled {
		wal, err = saga.OpenBadgerWAL(cfg.Storage.WAL.Path, saga.WALOptions{
			WriteMode:      saga.WALWriteMode(cfg.Storage.WAL.WriteMode),
			AsyncQueueSize: cfg.Storage.WAL.AsyncQueueSize,
		})
		if err != nil {
			log.Error("Failed to open WAL", "error", err, "path", cfg.Storage.WAL.Path)
			os.Exit(1)
		}
		defer func() {
			if err := wal.Close(); err != nil {
				log.Error("Error closing WAL", "error", err)
			}
		}()
		log.Info("Initialized WAL", "path", cfg.Storage.WAL.Path, "write_mode", cfg.Storage.WAL.WriteMode)
	}

	// Metrics
	metricsCfg := metrics.DefaultConfig()
	metricsCfg.Enabled = cfg.Metrics.Enabled
	metricsCfg.Port = cfg.Metrics.Port
	metricsCfg.Path = cfg.Metrics.Path
	metricsManager := metrics.NewManager(metricsCfg)
	if metricsManager.Enabled() {
		go func() {
			log.Info("Starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
			if err := metricsManager.StartServer(ctx, cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
				log.Error("Metrics server error", "error", err)
			}
		}()
	}

	// Event bus bridging coordinator lifecycle events to subscribers
	bus := eventbus.NewMemoryBus()
	var slogger *slog.Logger
	if sl, ok := log.(*logger.SlogLogger); ok {
		slogger = sl.Slog()
	}
	bridge := eventbus.NewBridge(bus, slogger)

	// Saga coordinator
	coordinatorOpts := []saga.CoordinatorOption{
		saga.WithStore(store),
		saga.WithPublisher(bridge),
		saga.WithMetrics(metricsManager),
		saga.WithMaxConcurrentSagas(cfg.Saga.MaxConcurrent),
	}
	if wal != nil {
		coordinatorOpts = append(coordinatorOpts, saga.WithWAL(wal))
	}
	coordinator := saga.NewCoordinator(coordinatorOpts...)

	if err := registerDemoDefinitions(coordinator, cfg, log); err != nil {
		log.Error("Failed to register saga definitions", "error", err)
		os.Exit(1)
	}

	// Resume non-terminal instances left over from a previous run
	if cfg.Saga.RecoverOnStart {
		recovery, err := saga.NewRecoveryManager(coordinator, store, log)
		if err != nil {
			log.Error("Failed to create recovery manager", "error", err)
			os.Exit(1)
		}
		recovered, err := recovery.Recover(ctx)
		if err != nil {
			log.Warn("Saga recovery finished with errors", "recovered", recovered, "error", err)
		} else if recovered > 0 {
			log.Info("Saga recovery completed", "recovered", recovered)
		}
	}

	// WAL retention for terminal sagas
	if wal != nil && cfg.Storage.WAL.CleanupInterval > 0 {
		cleanup := saga.NewCleanupManager(wal, func(sagaID string) bool {
			instance, err := store.Get(ctx, sagaID)
			if err != nil {
				return errors.Is(err, saga.ErrInstanceNotFound)
			}
			return instance.Status.IsTerminal()
		}, log)
		if err := cleanup.Start(ctx, cfg.Storage.WAL.CleanupInterval, cfg.Storage.WAL.Retention); err != nil {
			log.Error("Failed to start WAL cleanup", "error", err)
			os.Exit(1)
		}
	}

	// HTTP handlers
	pipelineHandler := handlers.NewPipelineHandler(log)
	if err := registerDemoPipelines(pipelineHandler); err != nil {
		log.Error("Failed to register pipelines", "error", err)
		os.Exit(1)
	}

	wsHandler := handlers.NewWebSocketHandler(log, handlers.WebSocketConfig{
		AllowedOrigins: cfg.Server.CORS.AllowedOrigins,
	})
	defer wsHandler.Close()
	go func() {
		if err := wsHandler.Forward(ctx, bus); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("WebSocket event forwarding stopped", "error", err)
		}
	}()

	apiHandlers := &api.Handlers{
		Saga:     handlers.NewSagaHandler(coordinator, log),
		Pipeline: pipelineHandler,
		Health:   handlers.NewHealthHandler(readyChecks),
		Events:   wsHandler,
		Metrics:  metricsManager,
	}
	if cfg.Server.RateLimit.Enabled {
		rl := middleware.NewRateLimiter(cfg.Server.RateLimit.RequestsPerSecond, cfg.Server.RateLimit.Burst)
		go rl.Run(ctx.Done())
		apiHandlers.RateLimiter = rl
	}

	httpServer := api.NewHTTPServer(cfg, log, apiHandlers)
	serverErrChan := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			serverErrChan <- err
		}
	}()

	log.Info("Sagaflow is running",
		"http_port", cfg.Server.Port,
		"metrics_port", cfg.Metrics.Port,
		"storage", cfg.Storage.Type,
	)
	log.Info("Press Ctrl+C to stop")

	select {
	case sig := <-sigChan:
		log.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErrChan:
		log.Error("HTTP server error", "error", err)
	case <-ctx.Done():
		log.Info("Context cancelled")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down HTTP server", "error", err)
	}
	cancel()

	log.Info("Sagaflow stopped gracefully")
}

// openStore builds the configured instance store along with its readiness
// checks and a close function.
func openStore(ctx context.Context, cfg *config.Config, log logger.Logger) (saga.Store, map[string]handlers.ReadyCheck, func() error, error) {
	noClose := func() error { return nil }

	switch cfg.Storage.Type {
	case "badger":
		store, err := saga.OpenBadgerStore(cfg.Storage.Badger.Path)
		if err != nil {
			return nil, nil, noClose, err
		}
		log.Info("Initialized Badger storage", "path", cfg.Storage.Badger.Path)
		checks := map[string]handlers.ReadyCheck{
			"store": func(ctx context.Context) error {
				_, err := store.Get(ctx, "readiness-probe")
				if errors.Is(err, saga.ErrInstanceNotFound) {
					return nil
				}
				return err
			},
		}
		return store, checks, store.Close, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Address,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, noClose, fmt.Errorf("redis ping: %w", err)
		}
		store, err := saga.NewRedisStore(client, cfg.Storage.Redis.KeyPrefix)
		if err != nil {
			_ = client.Close()
			return nil, nil, noClose, err
		}
		log.Info("Initialized Redis storage", "address", cfg.Storage.Redis.Address)
		checks := map[string]handlers.ReadyCheck{
			"store": func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			},
		}
		return store, checks, client.Close, nil

	case "memory", "":
		log.Info("Initialized memory storage")
		return saga.NewMemoryStore(), nil, noClose, nil

	default:
		log.Warn("Unknown storage type, using memory storage", "type", cfg.Storage.Type)
		return saga.NewMemoryStore(), nil, noClose, nil
	}
}

// registerDemoDefinitions registers built-in saga definitions so the HTTP
// surface is exercisable out of the box. Real deployments register their own
// definitions the same way.
func registerDemoDefinitions(coordinator *saga.Coordinator, cfg *config.Config, log logger.Logger) error {
	def, err := saga.New("order-fulfillment").
		WithDefaultStepTimeout(cfg.Saga.DefaultStepTimeout).
		WithRetryConfig(saga.RetryConfig{
			MaxRetries:     cfg.Saga.Retry.MaxRetries,
			InitialBackoff: cfg.Saga.Retry.InitialBackoff,
			MaxBackoff:     cfg.Saga.Retry.MaxBackoff,
			BackoffFactor:  cfg.Saga.Retry.BackoffFactor,
		}).
		Step("reserve-inventory",
			saga.Action(func(ctx context.Context, stepCtx *saga.StepContext) (any, error) {
				log.Info("reserving inventory", "saga_id", stepCtx.SagaID)
				return map[string]any{"reservation_id": "rsv-" + stepCtx.SagaID}, nil
			}),
			saga.Compensate(func(ctx context.Context, compCtx *saga.CompensationContext) error {
				log.Info("releasing inventory", "saga_id", compCtx.SagaID)
				return nil
			}),
		).
		Step("charge-payment",
			saga.Action(func(ctx context.Context, stepCtx *saga.StepContext) (any, error) {
				if input, ok := stepCtx.Input.(map[string]any); ok {
					if fail, _ := input["fail_payment"].(bool); fail {
						return nil, errors.New("payment declined")
					}
				}
				log.Info("charging payment", "saga_id", stepCtx.SagaID)
				return map[string]any{"charge_id": "chg-" + stepCtx.SagaID}, nil
			}),
			saga.Compensate(func(ctx context.Context, compCtx *saga.CompensationContext) error {
				log.Info("refunding payment", "saga_id", compCtx.SagaID)
				return nil
			}),
		).
		Step("ship-order",
			saga.Action(func(ctx context.Context, stepCtx *saga.StepContext) (any, error) {
				log.Info("scheduling shipment", "saga_id", stepCtx.SagaID)
				return map[string]any{"tracking_id": "trk-" + stepCtx.SagaID}, nil
			}),
			saga.Compensate(func(ctx context.Context, compCtx *saga.CompensationContext) error {
				log.Info("cancelling shipment", "saga_id", compCtx.SagaID)
				return nil
			}),
		).
		Build()
	if err != nil {
		return err
	}
	return coordinator.Register(def)
}

// registerDemoPipelines registers built-in pipelines for the run endpoint.
func registerDemoPipelines(handler *handlers.PipelineHandler) error {
	normalize := pipeline.NewStage("normalize", func(ctx context.Context, input string) (string, error) {
		return strings.ToLower(strings.TrimSpace(input)), nil
	})
	wordCount := pipeline.NewStage("word-count", func(ctx context.Context, input string) (float64, error) {
		return float64(len(strings.Fields(input))), nil
	})

	textStats, err := pipeline.New("text-stats", pipeline.Halt, []pipeline.BoundStage{
		pipeline.Bind(normalize),
		pipeline.Bind(wordCount),
	})
	if err != nil {
		return err
	}
	if err := handler.Register(textStats); err != nil {
		return err
	}

	// JSON numbers decode as float64
	double := pipeline.NewStage("double", func(ctx context.Context, input float64) (float64, error) {
		return input * 2, nil
	})
	nonNegative := pipeline.NewStage("non-negative", func(ctx context.Context, input float64) (float64, error) {
		if input < 0 {
			return 0, errors.New("value is negative")
		}
		return input, nil
	})

	scrub, err := pipeline.New("scrub-and-double", pipeline.Skip, []pipeline.BoundStage{
		pipeline.Bind(nonNegative),
		pipeline.Bind(double),
	})
	if err != nil {
		return err
	}
	return handler.Register(scrub)
}

func buildOverrides() map[string]interface{} {
	overrides := make(map[string]interface{})

	if *appName != "" {
		overrides["app.name"] = *appName
	}
	if *serverPort != 0 {
		overrides["server.port"] = *serverPort
	}
	if *logLevel != "" {
		overrides["log.level"] = *logLevel
	}
	if *storage != "" {
		overrides["storage.type"] = *storage
	}
	if *debugMode {
		overrides["app.debug"] = true
	}

	return overrides
}

func printVersion() {
	fmt.Printf("Sagaflow - Saga Orchestrator & Pipeline Executor\n")
	fmt.Printf("Version:    %s\n", version.Version)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Printf("Git Commit: %s\n", version.GitCommit)
	fmt.Printf("Go Version: %s\n", version.GoVersion)
}

func printHelp() {
	fmt.Printf("Sagaflow - saga orchestrator with compensating rollback and typed pipelines\n\n")
	fmt.Printf("Usage: sagaflow [options]\n\n")
	fmt.Printf("Options:\n")
	flag.PrintDefaults()
	fmt.Printf("\nExamples:\n")
	fmt.Printf("  sagaflow                                  # Run with default config\n")
	fmt.Printf("  sagaflow -config config.yaml              # Use specific config file\n")
	fmt.Printf("  sagaflow -port 9090 -log-level debug      # Override specific options\n")
	fmt.Printf("  sagaflow -storage badger                  # Persist instances in Badger\n")
	fmt.Printf("  sagaflow -version                         # Print version info\n")
}
