package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/andrsolo/numgate/internal/allocator"
	"github.com/andrsolo/numgate/internal/config"
	"github.com/andrsolo/numgate/internal/database"
	"github.com/andrsolo/numgate/internal/httpserver"
	"github.com/andrsolo/numgate/internal/logging"
	"github.com/andrsolo/numgate/internal/provider"
	"github.com/andrsolo/numgate/internal/resolver"
	"github.com/andrsolo/numgate/internal/smppserver"
	"github.com/andrsolo/numgate/internal/sms"
	"github.com/andrsolo/numgate/internal/usage"
	"github.com/andrsolo/numgate/internal/workers"
)

func main() {
	appCtx, rootCancel := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer rootCancel()

	cfg, err := config.Load()
	if err != nil {
		// Standard log before slog is configured.
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logLevel := slog.LevelInfo
	if cfg.LogLevel == "debug" {
		logLevel = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel <= slog.LevelDebug,
	}
	baseHandler := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(logging.NewContextHandler(baseHandler))
	slog.SetDefault(logger)
	slog.Info("Logging initialized", "level", logLevel.String())

	slog.Info("Connecting to database...")
	pool, err := database.Connect(appCtx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	slog.Info("Database connection pool established")
	store := database.NewStore(pool)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(appCtx).Err(); err != nil {
		// The cache layer degrades to database reads, so a cold Redis
		// is not fatal at startup.
		slog.Warn("Redis unreachable, usage counters will fall back to the database",
			slog.Any("error", err))
	}
	tracker := usage.NewTracker(rdb, cfg.Usage.CounterTTL, cfg.Usage.WarmLockTTL, logger)

	slog.Info("Initializing services...")
	var ruleSource resolver.RuleSource
	if cfg.SMPP.WhitelistFromDB {
		ruleSource = store
	}
	ipResolver := resolver.New(ruleSource, cfg.SMPP.AllowedIPs(), cfg.SMPP.AllowLocalhost, logger)
	if err := ipResolver.Refresh(appCtx); err != nil {
		slog.Warn("Initial whitelist load failed, static entries remain in effect",
			slog.Any("error", err))
	}

	decoder := sms.NewDecoder(cfg.Workers.ConcatMaxAge, logger)
	dispatcher := sms.NewDispatcher(store, tracker, cfg.RegionHint, logger)
	alloc := allocator.New(store, tracker, cfg.Allocator, logger)

	smppServer := smppserver.NewServer(cfg.SMPP, ipResolver, decoder, dispatcher, logger)
	providerManager := provider.NewManager(store, decoder, dispatcher, cfg.SMPP, logger)

	apiHandler := httpserver.NewAPIHandler(store, alloc, tracker, cfg.Allocator.Cooldown, cfg.RegionHint, logger)
	httpServer := httpserver.NewServer(cfg.HTTP, apiHandler, logger)

	var whitelist workers.WhitelistSource
	if cfg.SMPP.WhitelistFromDB {
		whitelist = ipResolver
	}
	workerManager := workers.NewManager(
		cfg.Workers,
		decoder,
		dispatcher,
		whitelist,
		cfg.SMPP.WhitelistRefresh,
		store,
		logger,
	)

	var wg sync.WaitGroup

	slog.Info("Starting application components...")

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := smppServer.ListenAndServe(appCtx); err != nil {
			slog.Error("SMPP server failed", slog.Any("error", err))
			rootCancel()
		}
		slog.Info("SMPP server stopped.")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		providerManager.Run(appCtx)
		slog.Info("Provider manager stopped.")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.ListenAndServe(); err != nil {
			slog.Error("HTTP server failed", slog.Any("error", err))
			rootCancel()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		workerManager.Run(appCtx)
		slog.Info("Worker manager stopped.")
	}()

	<-appCtx.Done()
	slog.Info("Shutdown signal received, initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer shutdownCancel()

	var shutdownWg sync.WaitGroup

	shutdownWg.Add(1)
	go func() {
		defer shutdownWg.Done()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Error during HTTP server shutdown", slog.Any("error", err))
		} else {
			slog.Info("HTTP server shutdown complete.")
		}
	}()

	shutdownWg.Add(1)
	go func() {
		defer shutdownWg.Done()
		smppServer.Shutdown()
		slog.Info("SMPP server shutdown complete.")
	}()

	shutdownWg.Wait()

	slog.Info("Waiting for main application goroutines to stop...")
	wg.Wait()

	slog.Info("Application gracefully stopped.")
}
