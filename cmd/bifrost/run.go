package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/dnscache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/andersh/bifrost/internal/audit"
	"github.com/andersh/bifrost/internal/budget"
	"github.com/andersh/bifrost/internal/config"
	"github.com/andersh/bifrost/internal/executor"
	"github.com/andersh/bifrost/internal/ratelimit"
	"github.com/andersh/bifrost/internal/registry"
	"github.com/andersh/bifrost/internal/residency"
	"github.com/andersh/bifrost/internal/retry"
	"github.com/andersh/bifrost/internal/schema"
	"github.com/andersh/bifrost/internal/server"
	"github.com/andersh/bifrost/internal/ssrf"
	"github.com/andersh/bifrost/internal/storage/sqlite"
	"github.com/andersh/bifrost/internal/telemetry"
	"github.com/andersh/bifrost/internal/transport"
	"github.com/andersh/bifrost/internal/worker"
)

func run(configPath string) error {
	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogger(cfg.Log)

	slog.Info("starting bifrost", "version", version, "addr", cfg.Server.Addr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Metrics
	var (
		metrics        *telemetry.Metrics
		metricsHandler http.Handler
	)
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = telemetry.NewMetrics(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	// Tracing
	var tracer trace.Tracer
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				slog.Warn("tracing shutdown", "error", err)
			}
		}()
		tracer = otel.Tracer("bifrost")
	}

	// Open database and seed organizations
	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}

	// Shared limiter store; absent redis leaves the per-process fallback.
	var shared ratelimit.Store
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		shared = ratelimit.NewRedisStore(rdb)
	}
	limiter := ratelimit.New(shared)

	// Outbound HTTP engine
	resolver := &dnscache.Resolver{}
	go refreshDNS(ctx, resolver)

	guard := ssrf.NewGuard(resolver)
	policy := retry.NewPolicy(cfg.Retry.MaxAttempts)
	client := &http.Client{Transport: transport.NewTransport(resolver, true)}
	outbound := transport.New(client, guard, limiter, policy, metrics)

	// Audit trail
	trail, err := audit.Open(cfg.Audit.Path)
	if err != nil {
		return err
	}
	defer trail.Close()

	// Budget manager with its persistence sink
	recorder := worker.NewUsageRecorder(store, metrics)
	budgets := budget.NewManager(budgetConfig(cfg.Budget),
		budget.NewCache(cfg.Cache.MaxSize, cfg.Cache.TTL),
		budget.Deps{Orgs: store, Sink: recorder, Metrics: metrics},
	)
	if err := budgets.Resync(ctx, store); err != nil {
		slog.Warn("budget resync", "error", err)
	}

	// Connector catalog and tenancy
	catalog := registry.NewService(registry.NewFileRepository(cfg.Connectors.Dir), cfg.Connectors.CacheTTL)
	regions := residency.NewService(store)

	// The per-call pipeline
	exec := executor.New(executor.Deps{
		Registry:    catalog,
		Validator:   schema.NewValidator(),
		Transport:   outbound,
		Audit:       trail,
		Residency:   regions,
		Metrics:     metrics,
		MaxAttempts: cfg.Retry.MaxAttempts,
		Timeout:     cfg.Retry.AttemptTimeout,
	})

	// Background workers
	workers := worker.NewRunner(
		recorder,
		worker.NewBudgetSyncWorker(budgets, store),
		worker.NewSweepWorker(budgets, store, limiter.Local()),
	)
	workerErr := make(chan error, 1)
	go func() { workerErr <- workers.Run(ctx) }()

	// HTTP server
	handler := server.New(server.Deps{
		Runtime:        exec,
		Catalog:        catalog,
		Budgets:        budgets,
		Audit:          trail,
		Store:          store,
		Residency:      regions,
		ReadyCheck:     store.Ping,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Tracer:         tracer,
		AdminToken:     cfg.Server.AdminToken,
		InboundRPS:     cfg.RateLimits.InboundRPS,
		InboundBurst:   cfg.RateLimits.InboundBurst,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("bifrost ready", "addr", cfg.Server.Addr)

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		return err
	case err := <-workerErr:
		return err
	}

	// Shutdown: stop accepting traffic, then let the workers drain.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	stop() // cancels in-flight waits and worker loops
	if err := <-workerErr; err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("worker shutdown", "error", err)
	}

	slog.Info("bifrost stopped")
	return nil
}

// setupLogger installs the process-wide slog handler per config.
func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// budgetConfig maps the YAML section onto the budget package's own config.
func budgetConfig(cfg config.BudgetConfig) budget.Config {
	return budget.Config{
		DailyLimitUSD:          cfg.DailyLimitUSD,
		MonthlyLimitUSD:        cfg.MonthlyLimitUSD,
		PerUserDailyLimitUSD:   cfg.PerUserDailyLimitUSD,
		PerWorkflowLimitUSD:    cfg.PerWorkflowLimitUSD,
		AlertThresholds:        cfg.AlertThresholds,
		EmergencyStopThreshold: cfg.EmergencyStopThreshold,
	}
}

// refreshDNS re-resolves cached entries so long-running processes track
// vendor DNS changes.
func refreshDNS(ctx context.Context, resolver *dnscache.Resolver) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resolver.Refresh(true)
		}
	}
}
