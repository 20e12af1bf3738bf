// Package main provides the supervisor application entry point.
// The supervisor owns the persistent store, the adaptive rate limiter, the
// provider router, and the job queue, and exposes the admin HTTP surface.
package main

import (
	"context"
	"log/slog"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/brcorp/cnpj-enrichment-queue/internal/config"
	"github.com/brcorp/cnpj-enrichment-queue/internal/domain"
	"github.com/brcorp/cnpj-enrichment-queue/internal/httpadmin"
	"github.com/brcorp/cnpj-enrichment-queue/internal/observability"
	"github.com/brcorp/cnpj-enrichment-queue/internal/provider/brasilapi"
	"github.com/brcorp/cnpj-enrichment-queue/internal/provider/cnpja"
	"github.com/brcorp/cnpj-enrichment-queue/internal/provider/receitaws"
	"github.com/brcorp/cnpj-enrichment-queue/internal/queue"
	"github.com/brcorp/cnpj-enrichment-queue/internal/ratelimiter"
	"github.com/brcorp/cnpj-enrichment-queue/internal/router"
	"github.com/brcorp/cnpj-enrichment-queue/internal/store/postgres"
	"github.com/brcorp/cnpj-enrichment-queue/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting supervisor", slog.String("env", cfg.AppEnv))

	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("database migration failed", slog.Any("error", err))
		os.Exit(1)
	}

	store := postgres.New(pool)

	var clients []domain.ProviderClient
	var specs []ratelimiter.ProviderSpec
	for _, p := range cfg.Providers() {
		specs = append(specs, ratelimiter.ProviderSpec{Name: p.Name, Limit: p.Limit, Enabled: p.Enabled})
		if !p.Enabled {
			continue
		}
		switch p.Name {
		case "receitaws":
			clients = append(clients, receitaws.New(p.Limit, cfg.ProviderCallTimeout))
		case "cnpja":
			clients = append(clients, cnpja.New(p.Limit, cfg.ProviderCallTimeout))
		case "brasilapi":
			clients = append(clients, brasilapi.New(p.Limit, cfg.ProviderCallTimeout))
		}
	}

	limiter := ratelimiter.New(ratelimiter.Config{
		SafetyLow:       cfg.SafetyFactorLow,
		SafetyHigh:      cfg.SafetyFactorHigh,
		SafetyThreshold: cfg.SafetyThreshold,
		CooldownBase:    cfg.APICooldownAfterRateLimit,
		CooldownMax:     cfg.APICooldownMax,
	}, specs)

	prov := router.New(limiter, clients, cfg.PerRequestWait)

	minInterval := time.Duration(0)
	if total := cfg.SumEnabledLimits(); total > 0 {
		minInterval = time.Minute / time.Duration(total)
	}

	q := queue.New(queue.Config{
		MaxConcurrent:  cfg.MaxConcurrentProcessing,
		MaxRetries:     cfg.MaxRetryAttempts,
		RefillInterval: cfg.RefillInterval,
		ReaperInterval: cfg.ReaperInterval,
		StuckThreshold: cfg.StuckThreshold,
		MinInterval:    minInterval,
	}, store, prov)

	sup := supervisor.New(store, q, cfg.AutoRestartQueue)

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = sup.Start(startCtx)
	cancel()
	if err != nil {
		slog.Error("supervisor start failed", slog.Any("error", err))
		os.Exit(1)
	}

	allowedOrigins := strings.Split(cfg.CORSAllowOrigins, ",")
	admin := httpadmin.NewServer(sup)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: admin.Router(allowedOrigins),
	}
	go func() {
		slog.Info("admin http server listening", slog.Int("port", cfg.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("admin http server error", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("admin http server shutdown error", slog.Any("error", err))
	}
	sup.Shutdown(shutdownCtx)
	slog.Info("supervisor stopped")
}
