// Kestrel - Entity risk scoring with explainable alerts.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/alerts"
	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/detect"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize the detection method registry with the built-in methods.
	registry := detect.NewRegistry()
	if err := detect.RegisterBuiltins(registry); err != nil {
		slog.Error("failed to register built-in methods", "error", err)
		os.Exit(1)
	}

	// Compile stored expression methods into the registry.
	compiler, err := detect.NewCompiler()
	if err != nil {
		slog.Error("failed to initialize expression compiler", "error", err)
		os.Exit(1)
	}
	if err := loadExpressionMethods(ctx, repo, compiler, registry); err != nil {
		slog.Error("failed to load expression methods", "error", err)
		os.Exit(1)
	}
	slog.Info("method registry initialized", "methods_count", registry.Count())

	engine := detect.NewEngine(registry, cfg.Scoring.MaxWorkers, cfg.Scoring.MethodTimeout)

	// Initialize the output manager and restore queue state.
	manager, err := alerts.NewManager(cfg.Scoring, repo, busImpl)
	if err != nil {
		slog.Error("failed to initialize alert manager", "error", err)
		os.Exit(1)
	}
	if err := manager.Restore(ctx); err != nil {
		slog.Error("failed to restore alert state", "error", err)
		os.Exit(1)
	}
	slog.Info("alert manager initialized", "queue_capacity", manager.QueueCapacity())

	runner := pipeline.NewRunner(cfg.Scoring, repo, cacheImpl, busImpl, engine, manager)

	if err := pipeline.ObserveAlertEvents(ctx, busImpl); err != nil {
		slog.Warn("failed to attach alert metrics", "error", err)
	}

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("KESTREL_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, runner, 2)
		if err := asyncWorker.Start(); err != nil {
			slog.Error("failed to start async worker", "error", err)
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, runner, manager, registry, compiler, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// loadExpressionMethods compiles stored expression methods into the
// registry. Methods are configured via POST /methods - no hardcoded
// defaults.
func loadExpressionMethods(ctx context.Context, repo domain.Repository, compiler *detect.Compiler, registry *detect.Registry) error {
	specs, err := repo.ListMethodSpecs(ctx)
	if err != nil {
		slog.Warn("failed to list method specs from database", "error", err)
		return nil // Start with built-ins only - methods can be added via API
	}

	if len(specs) == 0 {
		slog.Info("no expression methods in database - configure via POST /methods API")
		return nil
	}

	compiled, err := compiler.CompileAll(specs)
	if err != nil {
		return err
	}
	registry.ReloadExpressions(compiled)

	slog.Info("expression methods loaded from database", "count", len(compiled))
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 KESTREL                  ║")
	fmt.Println("  ║       Entity Risk Scoring Engine          ║")
	fmt.Println("  ║     Every anomaly, explained.             ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /datasets            - Register a feature table")
	fmt.Println("    GET  /datasets/{id}       - Get dataset by ID")
	fmt.Println("    POST /runs                - Execute a scoring run")
	fmt.Println("    GET  /runs/{id}           - Get run result by ID")
	fmt.Println("    GET  /queue               - Ordered investigation queue")
	fmt.Println("    GET  /alerts              - List alerts by status")
	fmt.Println("    POST /alerts/{id}/status  - Transition alert status")
	fmt.Println("    GET  /audit               - Audit log")
	fmt.Println("    GET  /methods             - List detection methods")
	fmt.Println("    POST /methods             - Create an expression method")
	fmt.Println("    POST /methods/reload      - Hot-reload expression methods")
	fmt.Println("    GET  /health              - Health check")
	fmt.Println("    GET  /metrics             - Prometheus metrics")
	fmt.Println()
}
