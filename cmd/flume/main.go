// Flume - utility tariff policy and rule evaluation engine.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/openutility/flume/internal/api"
	"github.com/openutility/flume/internal/bus"
	"github.com/openutility/flume/internal/cache"
	"github.com/openutility/flume/internal/domain"
	"github.com/openutility/flume/internal/engine"
	"github.com/openutility/flume/internal/ledger"
	"github.com/openutility/flume/internal/policy"
	"github.com/openutility/flume/internal/repository"
	"github.com/openutility/flume/internal/worker"
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
	if os.Getenv("FLUME_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting flume",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()
	if os.Getenv("FLUME_PROFILE") == string(domain.ProfileDistributed) {
		cfg = domain.DistributedConfig()
		slog.Info("running in distributed profile")
	}

	slog.Info("configuration loaded",
		"profile", cfg.Profile,
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

	// Initialize Policy Store
	store := policy.NewStore(repo, cacheImpl, busImpl, logger)
	slog.Info("policy store initialized")

	// Initialize Rule Evaluation Engine
	eng, err := engine.New(cfg.Engine, logger)
	if err != nil {
		slog.Error("failed to initialize engine", "error", err)
		os.Exit(1)
	}
	slog.Info("engine initialized",
		"max_workers", cfg.Engine.MaxWorkers,
		"evaluation_timeout_ms", cfg.Engine.EvaluationTimeoutMs,
	)

	// Initialize Evaluation Ledger
	led := ledger.New(repo, cacheImpl, busImpl, logger)

	// Initialize async Worker when tenants are configured
	var asyncWorker *worker.Worker
	if envTenants := os.Getenv("FLUME_TENANTS"); envTenants != "" {
		tenantIDs := strings.Split(envTenants, ",")
		for i := range tenantIDs {
			tenantIDs[i] = strings.TrimSpace(tenantIDs[i])
		}

		asyncWorker = worker.NewWorker(busImpl, store, eng, led)
		if err := asyncWorker.Start(worker.Config{TenantIDs: tenantIDs}); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(tenantIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, store, eng, led, cacheImpl, repo, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("flume is ready",
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

	slog.Info("flume shutdown complete")
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  Flume - tariff policy & rule evaluation engine")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Profile:  %s\n", cfg.Profile)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /api/policies/{id}/evaluate    - Evaluate a policy")
	fmt.Println("    POST /api/rules/evaluate/{ruleId}   - Evaluate a single rule")
	fmt.Println("    GET  /api/evaluations/{id}          - Get evaluation by ID")
	fmt.Println("    POST /api/rules/create              - Create a rule")
	fmt.Println("    GET  /api/rules/{id}/stats          - Rule execution stats")
	fmt.Println("    POST /api/policies                  - Create a policy")
	fmt.Println("    POST /api/policies/{id}/activate    - Activate a policy")
	fmt.Println("    POST /api/policies/{id}/deactivate  - Deactivate a policy")
	fmt.Println("    POST /api/policies/{id}/versions    - Snapshot a policy version")
	fmt.Println("    POST /api/policy-categories         - Create a category")
	fmt.Println("    POST /api/policiesWithCategories    - Create category + policy")
	fmt.Println("    POST /api/tariff-plans              - Create a tariff plan")
	fmt.Println("    POST /api/tariff-components         - Create a tariff component")
	fmt.Println("    GET  /health                        - Health check")
	fmt.Println()
}
