// Kestrel - rule-driven fraud detection for transaction streams.

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

	"github.com/fraudwatch/kestrel/internal/api"
	"github.com/fraudwatch/kestrel/internal/backtest"
	"github.com/fraudwatch/kestrel/internal/bus"
	"github.com/fraudwatch/kestrel/internal/cache"
	"github.com/fraudwatch/kestrel/internal/domain"
	"github.com/fraudwatch/kestrel/internal/history"
	"github.com/fraudwatch/kestrel/internal/metrics"
	"github.com/fraudwatch/kestrel/internal/mlmodel"
	"github.com/fraudwatch/kestrel/internal/pipeline"
	"github.com/fraudwatch/kestrel/internal/repository"
	"github.com/fraudwatch/kestrel/internal/rules"
	"github.com/fraudwatch/kestrel/internal/scan"
	"github.com/fraudwatch/kestrel/internal/training"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg := loadConfig()

	logLevel := slog.LevelInfo
	if cfg.Logging.Level == "debug" || os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Rule store loads the active rule set into its snapshot at startup.
	// Rules are configured via POST /rules, never hardcoded.
	store, err := rules.NewStore(ctx, repo, logger)
	if err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rule store initialized", "active_rules", store.Snapshot().Len())

	backend := mlmodel.NewRegistry()
	windows := history.NewService(repo, cacheImpl)
	exec := rules.NewExecutor(backend, windows, cfg.Engine.RuleTimeout)
	tracker := metrics.NewTracker(logger)
	pipe := pipeline.New(store, exec, tracker, busImpl, logger, cfg.Engine.AggregateThreshold)
	slog.Info("evaluation pipeline initialized",
		"threshold", cfg.Engine.AggregateThreshold,
		"rule_timeout", cfg.Engine.RuleTimeout,
	)

	scans := scan.NewManager(repo, pipe, busImpl, logger, cfg.Engine.ScanWorkers, cfg.Engine.PageSize)
	scans.Start()

	trainer := training.NewManager(repo, backend, store, busImpl, logger, cfg.Engine.TrainingWorkers)
	trainer.Start()

	srv := api.NewServer(cfg.Server, api.Deps{
		Repo:      repo,
		Cache:     cacheImpl,
		Bus:       busImpl,
		Store:     store,
		Pipe:      pipe,
		Scans:     scans,
		Training:  trainer,
		Backtests: backtest.NewRunner(repo, exec, logger),
		Tracker:   tracker,
		History:   windows,
		Version:   Version,
	})

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

	<-ctx.Done()
	slog.Info("shutting down...")

	scans.Stop()
	trainer.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// loadConfig builds the configuration from tier defaults plus environment
// overrides.
func loadConfig() *domain.Config {
	cfg := domain.DefaultConfig()
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
	}

	if v := os.Getenv("KESTREL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("KESTREL_SQLITE_PATH"); v != "" {
		cfg.Repository.SQLitePath = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_HOST"); v != "" {
		cfg.Repository.PostgresHost = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_USER"); v != "" {
		cfg.Repository.PostgresUser = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_PASSWORD"); v != "" {
		cfg.Repository.PostgresPassword = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_DB"); v != "" {
		cfg.Repository.PostgresDB = v
	}
	if v := os.Getenv("KESTREL_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("KESTREL_NATS_URL"); v != "" {
		cfg.EventBus.NATSUrl = v
	}
	if v := os.Getenv("KESTREL_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("KESTREL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	return cfg
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🪶 KESTREL                  ║")
	fmt.Println("  ║        Fraud Rule Engine & Scanner        ║")
	fmt.Println("  ║      Hovering over every transaction.     ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /evaluate           - Evaluate a transaction in real time")
	fmt.Println("    POST /transactions       - Ingest a transaction without evaluating")
	fmt.Println("    GET  /transactions/{id}  - Get transaction by ID")
	fmt.Println("    GET  /results/{id}       - Get detection result by ID")
	fmt.Println("    GET  /rules              - List rules")
	fmt.Println("    POST /rules              - Create or version a rule")
	fmt.Println("    POST /rules/{id}/test    - Backtest a rule on labeled history")
	fmt.Println("    POST /scans              - Submit a batch scan")
	fmt.Println("    GET  /scans/{id}         - Scan progress")
	fmt.Println("    POST /training           - Train a model for an ML rule")
	fmt.Println("    GET  /metrics/rules      - Per-rule performance metrics")
	fmt.Println("    GET  /health             - Health check")
	fmt.Println()
}
