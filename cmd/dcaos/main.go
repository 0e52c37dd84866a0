// DCAOS - debt collection agency orchestration: case prioritization,
// capacity-aware allocation and recovery tracking.
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
	"strconv"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/opensource-finance/dcaos/internal/advisor"
	"github.com/opensource-finance/dcaos/internal/allocation"
	"github.com/opensource-finance/dcaos/internal/api"
	"github.com/opensource-finance/dcaos/internal/bus"
	"github.com/opensource-finance/dcaos/internal/cache"
	"github.com/opensource-finance/dcaos/internal/casework"
	"github.com/opensource-finance/dcaos/internal/domain"
	"github.com/opensource-finance/dcaos/internal/metrics"
	"github.com/opensource-finance/dcaos/internal/repository"
	"github.com/opensource-finance/dcaos/internal/worker"
	"github.com/opensource-finance/dcaos/internal/workload"
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
	if os.Getenv("DCAOS_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting dcaos",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()
	if os.Getenv("DCAOS_PROFILE") == string(domain.ProfileProduction) {
		cfg = domain.ProductionConfig()
		slog.Info("running with the production profile")
	}
	applyEnv(cfg)

	slog.Info("configuration loaded",
		"profile", cfg.Profile,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"advisor", cfg.Advisor.Type,
		"allocation_interval", cfg.Allocation.Interval.String(),
	)

	// Trace context crosses the bus and outgoing collaborator calls
	otel.SetTextMapPropagator(propagation.TraceContext{})

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

	if cfg.Seed {
		if err := repository.Seed(ctx, repo); err != nil {
			slog.Error("failed to seed demo dataset", "error", err)
			os.Exit(1)
		}
		slog.Info("demo dataset ready")
	}

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

	m := metrics.New()

	// Initialize collaborators
	adv, err := advisor.New(cfg.Advisor, cacheImpl, m, logger)
	if err != nil {
		slog.Error("failed to initialize advisor", "error", err)
		os.Exit(1)
	}
	slog.Info("advisor initialized", "type", cfg.Advisor.Type)

	// Initialize allocation engine
	policy, err := allocation.NewPolicy(cfg.Allocation.EligibilityPolicy)
	if err != nil {
		slog.Error("invalid eligibility policy", "error", err)
		os.Exit(1)
	}
	engine := allocation.NewEngine(repo, allocation.Options{
		Explainer:      adv,
		Policy:         policy,
		Bus:            busImpl,
		Metrics:        m,
		Logger:         logger,
		ExplainTimeout: cfg.Allocation.ExplainTimeout,
	})
	slog.Info("allocation engine initialized", "policy", policy.Expression())

	cases := casework.New(casework.Config{
		Repository: repo,
		Advisor:    adv,
		Engine:     engine,
		Bus:        busImpl,
		Defaults:   cfg.Repository.CaseDefaults,
		Logger:     logger,
	})
	workloadSvc := workload.NewService(repo, cacheImpl, cfg.Cache.LocalTTL, m)

	if report, err := workloadSvc.Reconcile(ctx); err != nil {
		slog.Warn("initial workload reconciliation failed", "error", err)
	} else {
		slog.Info("workload reconciled",
			"agencies", len(report.Agencies),
			"unassigned", report.Unassigned,
			"drifted", len(report.Drifted),
		)
	}

	// Initialize background allocator
	var allocator *worker.Allocator
	if cfg.Allocation.Interval > 0 || cfg.Allocation.OnCreate {
		allocator = worker.NewAllocator(busImpl, cacheImpl, engine)
		err := allocator.Start(worker.Config{
			Interval: cfg.Allocation.Interval,
			OnCreate: cfg.Allocation.OnCreate,
			LockTTL:  cfg.Allocation.LockTTL,
		})
		if err != nil {
			slog.Error("failed to start background allocator", "error", err)
			allocator = nil
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, api.Deps{
		Repository: repo,
		Cache:      cacheImpl,
		Cases:      cases,
		Workload:   workloadSvc,
		Metrics:    m,
		Version:    Version,
	})

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("dcaos is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop the allocator first so no run starts during shutdown
	if allocator != nil {
		if err := allocator.Stop(); err != nil {
			slog.Error("failed to stop background allocator", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("dcaos shutdown complete")
}

// applyEnv overrides cfg from DCAOS_* environment variables.
func applyEnv(cfg *domain.Config) {
	if v := os.Getenv("DCAOS_REPOSITORY"); v != "" {
		cfg.Repository.Driver = v
	}
	if v := os.Getenv("DCAOS_SQLITE_PATH"); v != "" {
		cfg.Repository.SQLitePath = v
	}
	if v := os.Getenv("DCAOS_POSTGRES_HOST"); v != "" {
		cfg.Repository.PostgresHost = v
	}
	if v := envInt("DCAOS_POSTGRES_PORT"); v > 0 {
		cfg.Repository.PostgresPort = v
	}
	if v := os.Getenv("DCAOS_POSTGRES_USER"); v != "" {
		cfg.Repository.PostgresUser = v
	}
	if v := os.Getenv("DCAOS_POSTGRES_PASSWORD"); v != "" {
		cfg.Repository.PostgresPassword = v
	}
	if v := os.Getenv("DCAOS_POSTGRES_DB"); v != "" {
		cfg.Repository.PostgresDB = v
	}
	if v := os.Getenv("DCAOS_POSTGRES_SSLMODE"); v != "" {
		cfg.Repository.PostgresSSLMode = v
	}
	if v := os.Getenv("DCAOS_REDIS_ADDR"); v != "" {
		cfg.Cache.Type = "redis"
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("DCAOS_NATS_URL"); v != "" {
		cfg.EventBus.Type = "nats"
		cfg.EventBus.NATSUrl = v
	}
	if v := os.Getenv("DCAOS_NATS_QUEUE_GROUP"); v != "" {
		cfg.EventBus.NATSQueueGroup = v
	}
	if v := os.Getenv("DCAOS_ADVISOR_URL"); v != "" {
		cfg.Advisor.Type = "http"
		cfg.Advisor.BaseURL = v
	}
	if v := os.Getenv("DCAOS_ADVISOR_API_KEY"); v != "" {
		cfg.Advisor.APIKey = v
	}
	if v := os.Getenv("DCAOS_ALLOCATION_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Allocation.Interval = d
		} else {
			slog.Warn("ignoring invalid allocation interval", "value", v, "error", err)
		}
	}
	if v := os.Getenv("DCAOS_ALLOCATE_ON_CREATE"); v != "" {
		cfg.Allocation.OnCreate = v == "true"
	}
	if v := os.Getenv("DCAOS_ELIGIBILITY_POLICY"); v != "" {
		cfg.Allocation.EligibilityPolicy = v
	}
	if v := os.Getenv("DCAOS_SEED"); v != "" {
		cfg.Seed = v == "true"
	}
	if v := envInt("DCAOS_PORT"); v > 0 {
		cfg.Server.Port = v
	}
}

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring invalid integer", "key", key, "value", v)
		return 0
	}
	return n
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  DCAOS - Debt Collection Agency Orchestration")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Profile:  %s\n", cfg.Profile)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints (X-User-ID required unless noted):")
	fmt.Println("    GET   /cases                   - List cases in scope")
	fmt.Println("    POST  /cases                   - Create and prioritize a case")
	fmt.Println("    GET   /cases/{id}              - Get a case with its history")
	fmt.Println("    PATCH /cases/{id}/status       - Change case status")
	fmt.Println("    POST  /cases/{id}/assign       - Assign an agency manually")
	fmt.Println("    POST  /cases/{id}/employee     - Assign an agency employee")
	fmt.Println("    POST  /cases/{id}/strategy     - Generate a recovery strategy")
	fmt.Println("    GET   /cases/{id}/decisions    - Allocation decisions")
	fmt.Println("    POST  /allocations/run         - Allocate every New case")
	fmt.Println("    GET   /agencies                - List agencies")
	fmt.Println("    GET   /workload                - Agency load reconciliation")
	fmt.Println("    GET   /dashboard               - Portfolio summary")
	fmt.Println("    GET   /users, POST /users      - Team management")
	fmt.Println("    GET   /health, /metrics        - Health and metrics (no identity)")
	fmt.Println()
}
