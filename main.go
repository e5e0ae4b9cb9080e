package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for migrations
	"go.uber.org/zap"

	"github.com/captainmgc/bitsheetsync24-sub002/pkg/config"
	"github.com/captainmgc/bitsheetsync24-sub002/pkg/database"
	"github.com/captainmgc/bitsheetsync24-sub002/pkg/handlers"
	"github.com/captainmgc/bitsheetsync24-sub002/pkg/logging"
	"github.com/captainmgc/bitsheetsync24-sub002/pkg/middleware"
	"github.com/captainmgc/bitsheetsync24-sub002/pkg/repositories"
	"github.com/captainmgc/bitsheetsync24-sub002/pkg/retry"
	"github.com/captainmgc/bitsheetsync24-sub002/pkg/services"

	bitrixclient "github.com/captainmgc/bitsheetsync24-sub002/pkg/bitrix"
)

// Version is set at build time via ldflags.
var Version = "dev"

const migrationsPath = "migrations"

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := buildLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("configuration loaded",
		zap.String("environment", cfg.Env),
		zap.String("version", cfg.Version),
		zap.String("database", logging.SanitizeConnectionString(cfg.Database.ConnectionString())),
		zap.String("bitrix", logging.SanitizeWebhookURL(cfg.Bitrix.WebhookURL)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("startup failed", zap.String("error", logging.SanitizeError(err)))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	// The database may still be coming up alongside us.
	db, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (*database.DB, error) {
		return database.NewConnection(ctx, &database.Config{
			URL:            cfg.Database.ConnectionString(),
			MaxConnections: cfg.Database.MaxConnections,
		})
	})
	if err != nil {
		return err
	}
	defer db.Close()

	sqlDB, err := sql.Open("pgx", cfg.Database.ConnectionString())
	if err != nil {
		return err
	}
	if err := database.RunMigrations(sqlDB, migrationsPath, logger); err != nil {
		_ = sqlDB.Close()
		return err
	}
	_ = sqlDB.Close()

	redisClient, err := database.NewRedisClient(&cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	// Repositories.
	configRepo := repositories.NewSyncConfigRepository(db)
	mappingRepo := repositories.NewFieldMappingRepository(db)
	watermarkRepo := repositories.NewWatermarkRepository(db)
	recordRepo := repositories.NewCRMRecordRepository(db)
	eventRepo := repositories.NewWebhookEventRepository(db)
	logRepo := repositories.NewReverseSyncLogRepository(db)
	historyRepo := repositories.NewSyncHistoryRepository(db)
	lookupRepo := repositories.NewLookupValueRepository(db)

	// CRM client and services.
	crm := bitrixclient.NewClient(cfg.Bitrix.WebhookURL,
		cfg.Bitrix.RequestInterval(), cfg.Bitrix.CallTimeout(), logger)

	lookups := services.NewLookupCache(crm, lookupRepo, redisClient, logger)
	if err := lookups.Warm(ctx); err != nil {
		return err
	}

	mappingService := services.NewFieldMappingService(mappingRepo, configRepo,
		lookups, cfg.Mapping.AcceptThreshold, logger)

	scheduler := services.NewPullScheduler(crm, recordRepo, watermarkRepo,
		historyRepo, cfg.Sync.Interval(), cfg.Sync.EntityConcurrency, logger)

	processor, err := services.NewWebhookProcessor(eventRepo, logRepo, configRepo,
		mappingRepo, lookups, cfg.Dispatcher.MaxRetries, logger)
	if err != nil {
		return err
	}

	dispatcher := services.NewDispatcher(logRepo, historyRepo, configRepo, crm,
		cfg.Dispatcher.PollInterval(), cfg.Dispatcher.FanOut, cfg.Dispatcher.BatchSize,
		cfg.Dispatcher.SendTimeout(), cfg.Dispatcher.InitialBackoff(), cfg.Dispatcher.MaxBackoff(),
		logger)

	// Background loops.
	go processor.Run(ctx)
	go dispatcher.Run(ctx)
	if cfg.Sync.IntervalSeconds > 0 {
		go scheduler.Run(ctx)
	}

	// HTTP surface.
	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, logger).RegisterRoutes(mux)
	handlers.NewWebhookHandler(processor, logger).RegisterRoutes(mux)
	handlers.NewConfigsHandler(configRepo, eventRepo, logRepo, mappingService,
		dispatcher, logger).RegisterRoutes(mux)
	handlers.NewAdminHandler(watermarkRepo, historyRepo, scheduler, lookups,
		logger).RegisterRoutes(mux)

	server := &http.Server{
		Addr:              cfg.BindAddr + ":" + cfg.Port,
		Handler:           middleware.RequestLogger(logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("version", cfg.Version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func buildLogger(env string) (*zap.Logger, error) {
	if env == "local" || env == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
