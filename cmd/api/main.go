package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/g-caf/receipt-match-backend/internal/api"
	"github.com/g-caf/receipt-match-backend/internal/application/jobs"
	"github.com/g-caf/receipt-match-backend/internal/application/learning"
	"github.com/g-caf/receipt-match-backend/internal/application/matching"
	"github.com/g-caf/receipt-match-backend/internal/domain/candidates"
	"github.com/g-caf/receipt-match-backend/internal/domain/merchant"
	"github.com/g-caf/receipt-match-backend/internal/domain/scoring"
	"github.com/g-caf/receipt-match-backend/internal/infrastructure/config"
	"github.com/g-caf/receipt-match-backend/internal/infrastructure/logging"
	"github.com/g-caf/receipt-match-backend/internal/infrastructure/storage"
)

func main() {
	_ = godotenv.Load()

	cfg := config.LoadOrEnv()
	logger := logging.NewLoggerWithSystem(cfg.Observability.Logging, "api")

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	store, err := storage.NewStorage(cfg.Storage.DatabasePath)
	if err != nil {
		logger.Error("failed to initialize storage", "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	// Matching pipeline
	comparer := merchant.NewComparer(store)
	engine := scoring.NewEngine(comparer)
	generator := candidates.NewGenerator(store, engine, logging.NewLoggerWithSystem(cfg.Observability.Logging, "candidates"))
	orchestrator := matching.NewOrchestrator(store, logging.NewLoggerWithSystem(cfg.Observability.Logging, "matching"))
	configCache := matching.NewConfigCache(store, cfg.Matching)
	matcher := matching.NewService(store, generator, orchestrator, configCache, logging.NewLoggerWithSystem(cfg.Observability.Logging, "matching"))

	// Learning
	learner := merchant.NewLearner(store)
	feedback := learning.NewStore(store, learner, comparer, logging.NewLoggerWithSystem(cfg.Observability.Logging, "learning"))
	adapter := learning.NewAdapter(store, configCache, cfg.Learning, logging.NewLoggerWithSystem(cfg.Observability.Logging, "learning"))
	scheduler := learning.NewScheduler(adapter, store, logging.NewLoggerWithSystem(cfg.Observability.Logging, "learning"))
	if err := scheduler.Start(cfg.Learning.Schedule); err != nil {
		logger.Error("failed to start learning scheduler", "error", err)
		os.Exit(1)
	}

	// Bulk jobs
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	processor := jobs.NewProcessor(store, matcher, cfg.Jobs.Workers, cfg.Jobs.MaxAttempts, logging.NewLoggerWithSystem(cfg.Observability.Logging, "jobs"))
	processor.Start(ctx)

	server := api.NewServer(api.Config{
		Port:           cfg.Server.Port,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, store, matcher, processor, feedback, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	scheduler.Stop(shutdownCtx)
	cancel()
	processor.Stop()
	logger.Info("shutdown complete")
}
