/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the allocation engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags, load config (YAML file or environment)
  2. Initialize SQLite store (runs migrations)
  3. Create engine, metrics recorder and API handler
  4. Configure HTTP router, optionally start the recalculation scheduler
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config    YAML config path (default: config.yaml, falls back to env)
  -env-file  dotenv file loaded into the environment first (default: .env)
  -addr      HTTP listen address, overrides config
  -db        SQLite database path, overrides config
             Use ":memory:" for in-memory database
  -workers   Engine worker count, overrides config
  -scenario  Demo scenario to load at startup (resets the database)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for a running pass)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/billing.db"

  # Demo server with a loaded scenario
  ./server -db=":memory:" -scenario=elm-court

ENVIRONMENT:
  See config/config.go: BILLING_ADDR, BILLING_DB_PATH, BILLING_WORKERS,
  LOG_LEVEL, LOG_FORMAT, BILLING_METRICS, BILLING_SCHEDULER

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/allocation-engine/api"
	"github.com/warp/allocation-engine/billing"
	"github.com/warp/allocation-engine/config"
	"github.com/warp/allocation-engine/logging"
	"github.com/warp/allocation-engine/metrics"
	"github.com/warp/allocation-engine/store/sqlite"
)

func main() {
	// Flags
	configPath := flag.String("config", "config.yaml", "YAML config path")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before config")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	workers := flag.Int("workers", -1, "Engine workers, 0 = GOMAXPROCS (overrides config)")
	scenario := flag.String("scenario", "", "Demo scenario to load at startup")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		slog.Error("failed to load env file", "path", *envFile, "error", err)
		os.Exit(1)
	}
	cfg := config.LoadOrEnv(*configPath)
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *dbPath != "" {
		cfg.Storage.DatabasePath = *dbPath
	}
	if *workers >= 0 {
		cfg.Engine.Workers = *workers
	}

	logger := logging.New(cfg.Logging)
	slog.SetDefault(logger)

	if err := run(cfg, logger, *scenario); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger, scenario string) error {
	// Initialize store
	store, err := sqlite.New(cfg.Storage.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	recorder := metrics.NewRecorder()

	opts := []billing.Option{
		billing.WithLogger(logging.WithSystem(logger, "engine")),
		billing.WithRecorder(recorder),
	}
	if cfg.Engine.Workers > 0 {
		opts = append(opts, billing.WithWorkers(cfg.Engine.Workers))
	}
	engine := billing.NewEngine(store, opts...)

	handler := api.NewHandler(store, engine, logging.WithSystem(logger, "api"))
	if scenario != "" {
		if err := handler.LoadScenarioByID(context.Background(), scenario); err != nil {
			return err
		}
	}

	routerOpts := api.RouterOptions{CORSOrigins: cfg.Server.CORSOrigins}
	if cfg.Metrics.Enabled {
		routerOpts.Metrics = recorder.Handler()
	}
	router := api.NewRouter(handler, routerOpts)

	scheduler := api.NewRecalculationScheduler(store, engine, logging.WithSystem(logger, "scheduler"))
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.Interval = cfg.Scheduler.Interval
	scheduler.Start()

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.Server.Addr, "db", cfg.Storage.DatabasePath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		scheduler.Stop()
		return err
	}

	logger.Info("shutting down server")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return err
	}

	logger.Info("server stopped")
	return nil
}
