// Mosaic analysis engine server: provides the HTTP API, manages queue
// workers, and runs the card pipeline.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/mosaiclabs/mosaic/pkg/api"
	"github.com/mosaiclabs/mosaic/pkg/cache"
	"github.com/mosaiclabs/mosaic/pkg/cleanup"
	"github.com/mosaiclabs/mosaic/pkg/config"
	"github.com/mosaiclabs/mosaic/pkg/database"
	"github.com/mosaiclabs/mosaic/pkg/events"
	"github.com/mosaiclabs/mosaic/pkg/fetch"
	"github.com/mosaiclabs/mosaic/pkg/llm"
	"github.com/mosaiclabs/mosaic/pkg/masking"
	"github.com/mosaiclabs/mosaic/pkg/metrics"
	"github.com/mosaiclabs/mosaic/pkg/models"
	"github.com/mosaiclabs/mosaic/pkg/pipeline"
	"github.com/mosaiclabs/mosaic/pkg/queue"
	"github.com/mosaiclabs/mosaic/pkg/rules"
	"github.com/mosaiclabs/mosaic/pkg/services"
	"github.com/mosaiclabs/mosaic/pkg/store"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolveWorkerID determines the worker identifier for multi-replica
// coordination. Priority: POD_ID env > HOSTNAME env > "local"
func resolveWorkerID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	workerID := resolveWorkerID()

	slog.Info("Starting Mosaic",
		"http_port", httpPort,
		"worker_id", workerID,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize database
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	db := dbClient.DB()
	clock := models.SystemClock{}
	jobStore := store.NewJobStore(db, clock)
	eventStore := store.NewEventStore(db, clock)
	artifactStore := store.NewArtifactStore(db, clock)
	metrics.Registry.MustRegister(metrics.NewDBCollector(db))

	// 3. Initialize masking and streaming infrastructure
	masker := masking.NewMasker(cfg.Masking)

	backplane, err := events.NewBackplane(cfg.Backplane, cfg.Redis, dbConfig.DSN())
	if err != nil {
		slog.Error("Failed to build event backplane", "error", err)
		os.Exit(1)
	}
	bus := events.NewBus()
	publisher := events.NewPublisher(db, eventStore, bus, backplane, cfg.Backplane, masker)
	subscribers := events.NewSubscriberManager(jobStore, eventStore, bus, backplane, cfg.Backplane, cfg.Stream)
	backplane.SetHandler(subscribers.Route)
	if err := backplane.Start(ctx); err != nil {
		slog.Error("Failed to start event backplane", "error", err)
		os.Exit(1)
	}
	slog.Info("Streaming infrastructure initialized",
		"backplane_mode", cfg.Backplane.Mode, "driver", cfg.Backplane.Driver)

	// 4. Create LLM client
	// Note: providers dial lazily; the first card call opens the connection.
	llmClient, err := llm.NewClient(cfg.LLM)
	if err != nil {
		slog.Error("Failed to initialize LLM client", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := llmClient.Close(); err != nil {
			slog.Error("Error closing LLM client", "error", err)
		}
	}()
	slog.Info("LLM client initialized",
		"provider", cfg.LLM.Provider, "model", cfg.LLM.Model)

	// 5. Upstream fetchers and the subject cache
	fetchers := fetch.NewDefaultRegistry(cfg.Sources)

	// The cache rides the deployment's Redis only when the backplane
	// already runs on it; otherwise lookups go straight to the store.
	var cacheRedis *redis.Client
	if cfg.Backplane.Mode != config.BackplaneModeNone && cfg.Backplane.Driver == config.BackplaneDriverRedis {
		redisAddr := getEnv("REDIS_ADDR", cfg.Redis.Addr)
		cacheRedis = redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: os.Getenv(cfg.Redis.PasswordEnv),
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = cacheRedis.Close() }()
	}
	subjects := cache.NewSubjectCache(cfg.Cache, jobStore, artifactStore, cacheRedis, cfg.Backplane.ChannelPrefix, clock)

	// 6. Card pipeline and scheduler (workers start before HTTP)
	ruleEngine := rules.NewEngine(cfg.Plans)
	executor := pipeline.NewExecutor(pipeline.Deps{
		DB:        db,
		Jobs:      jobStore,
		Artifacts: artifactStore,
		Publisher: publisher,
		Rules:     ruleEngine,
		Fetchers:  fetchers,
		Subjects:  subjects,
		LLM:       llmClient,
		Clock:     clock,
		Engine:    cfg.Engine,
	})

	scheduler := queue.NewScheduler(workerID, cfg.Engine, jobStore, executor, clock)
	if err := scheduler.Start(ctx); err != nil {
		slog.Error("Failed to start scheduler", "error", err)
		os.Exit(1)
	}

	// 7. Application services and retention
	jobService := services.NewJobService(jobStore, ruleEngine, fetchers, publisher, scheduler)
	eventService := services.NewEventService(jobStore, eventStore, cfg.Stream)
	slog.Info("Services initialized")

	retention := cleanup.NewService(cfg.Retention, jobStore, clock)
	retention.Start(ctx)

	// 8. Create HTTP server
	httpServer := api.NewServer(db, jobService, eventService, subscribers, scheduler, cfg.Stream)

	// 9. Start HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + httpPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Mosaic started successfully",
		"worker_id", workerID,
		"workers", cfg.Engine.MaxWorkers)

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown. The scheduler bounds its own wait with
	// the configured graceful shutdown timeout; cards still running
	// after that are left for orphan recovery.
	scheduler.Stop()
	retention.Stop()
	backplane.Stop(ctx)

	// Stop HTTP server with its own timeout budget
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
