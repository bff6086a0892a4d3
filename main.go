// Package main provides the main entry point for the Kusanagi watch-link service
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amirphl/Kusanagi/app/handlers"
	"github.com/amirphl/Kusanagi/app/middleware"
	"github.com/amirphl/Kusanagi/app/router"
	"github.com/amirphl/Kusanagi/app/scheduler"
	"github.com/amirphl/Kusanagi/app/services"
	businessflow "github.com/amirphl/Kusanagi/business_flow"
	"github.com/amirphl/Kusanagi/config"
	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/repository"
	"github.com/bwmarrin/snowflake"
	"github.com/gofiber/fiber/v3"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Application represents the main application structure
type Application struct {
	router    *router.FiberRouter
	config    *config.ProductionConfig
	server    *fiber.App
	logger    *zap.Logger
	stopFuncs []func()
}

func main() {
	// Load production configuration
	cfg, err := config.LoadProductionConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := services.NewLogger(cfg.Logging, cfg.Deployment)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	logger.Info("starting Kusanagi watch-link service",
		zap.String("environment", cfg.Deployment.Environment),
		zap.String("version", cfg.Deployment.Version))

	// Initialize application
	app, err := initializeApplication(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize application", zap.Error(err))
	}

	// Setup routes
	app.router.SetupRoutes()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start server in goroutine
	go func() {
		address := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := app.router.Start(address); err != nil {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	<-sigChan
	logger.Info("shutting down gracefully")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := app.server.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("error during shutdown", zap.Error(err))
	}

	// Stop background workers, last started first
	for i := len(app.stopFuncs) - 1; i >= 0; i-- {
		app.stopFuncs[i]()
	}

	logger.Info("server stopped")
}

// initializeDatabase initializes the database connection with connection pooling
func initializeDatabase(cfg config.DatabaseConfig, logger *zap.Logger) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}
	if cfg.SlowQueryLog {
		gormCfg.Logger = gormlogger.Default.LogMode(gormlogger.Warn)
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Get underlying sql.DB for connection pooling configuration
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	// Configure connection pooling
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	// Test the connection
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if cfg.AutoMigrate {
		if err := db.AutoMigrate(
			&models.Sponsor{},
			&models.Ad{},
			&models.WatchSession{},
			&models.Reward{},
			&models.SponsorTransaction{},
			&models.AuditLog{},
		); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	logger.Info("database connection established",
		zap.Int("max_open_conns", cfg.MaxOpenConns),
		zap.Int("max_idle_conns", cfg.MaxIdleConns),
		zap.Bool("auto_migrate", cfg.AutoMigrate))

	return db, nil
}

// initializeCache initializes the Redis client and verifies connectivity.
// A nil client means the in-process stores are used instead.
func initializeCache(cfg config.CacheConfig, logger *zap.Logger) (*redis.Client, error) {
	if !cfg.Enabled || cfg.Provider != "redis" {
		return nil, nil
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	// Override DB if provided in config
	opt.DB = cfg.RedisDB

	rc := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("redis connection established", zap.String("addr", opt.Addr), zap.Int("db", opt.DB))
	return rc, nil
}

// startCacheHealthMonitor periodically pings Redis to surface connectivity issues.
// The returned function stops the monitor.
func startCacheHealthMonitor(parent context.Context, client *redis.Client, interval time.Duration, logger *zap.Logger) func() {
	monitorCtx, cancel := context.WithCancel(parent)
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-monitorCtx.Done():
				return
			case <-ticker.C:
				ctx, c := context.WithTimeout(monitorCtx, 3*time.Second)
				if err := client.Ping(ctx).Err(); err != nil {
					logger.Warn("redis healthcheck failed", zap.Error(err))
				}
				c()
			}
		}
	}()
	return cancel
}

// startRotationEviction drops idle in-process rotation queues
func startRotationEviction(parent context.Context, store *businessflow.MemoryRotationStore, interval time.Duration, logger *zap.Logger) func() {
	ctx, cancel := context.WithCancel(parent)
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n := store.Evict(now.UTC()); n > 0 {
					logger.Debug("evicted idle rotation queues", zap.Int("count", n))
				}
			}
		}
	}()
	return cancel
}

// initializeNotificationService builds the SMS sender for watch links
func initializeNotificationService(cfg *config.ProductionConfig) services.NotificationService {
	var smsService services.SMSService
	switch cfg.SMS.ProviderDomain {
	case "mock":
		smsService = services.NewMockSMSService()
	default:
		smsService = services.NewSMSService(&cfg.SMS)
	}
	return services.NewNotificationService(smsService, cfg.WatchLink.SMSTemplate)
}

// asynqRedisOpt reuses the cache connection settings for the task queue
func asynqRedisOpt(rc *redis.Client) asynq.RedisClientOpt {
	opt := rc.Options()
	return asynq.RedisClientOpt{
		Addr:      opt.Addr,
		Username:  opt.Username,
		Password:  opt.Password,
		DB:        opt.DB,
		TLSConfig: opt.TLSConfig,
	}
}

func initializeApplication(cfg *config.ProductionConfig, logger *zap.Logger) (*Application, error) {
	var stopFuncs []func()
	ctx := context.Background()

	db, err := initializeDatabase(cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	rc, err := initializeCache(cfg.Cache, logger)
	if err != nil {
		return nil, err
	}

	healthChecks := map[string]router.HealthCheck{
		"database": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}

	// Rotation queues and subscriber locks live in Redis when it is available
	var (
		rotationStore businessflow.RotationStore
		locker        businessflow.SubscriberLocker
	)
	if rc != nil {
		rotationStore = businessflow.NewRedisRotationStore(rc, cfg.WatchLink.RotationQueueTTL)
		locker = businessflow.NewRedisLocker(rc, cfg.WatchLink.LockTTL, cfg.WatchLink.LockWait)
		healthChecks["redis"] = func(ctx context.Context) error { return rc.Ping(ctx).Err() }
		stopFuncs = append(stopFuncs,
			startCacheHealthMonitor(ctx, rc, cfg.Cache.CleanupInterval, logger),
			func() { _ = rc.Close() })
	} else {
		memStore := businessflow.NewMemoryRotationStore(cfg.WatchLink.RotationQueueTTL)
		rotationStore = memStore
		locker = businessflow.NewKeyedMutex().WithWait(cfg.WatchLink.LockWait)
		stopFuncs = append(stopFuncs, startRotationEviction(ctx, memStore, cfg.Cache.CleanupInterval, logger))
		logger.Warn("redis disabled, rotation queues and subscriber locks are process-local")
	}

	// Repositories
	sessionRepo := repository.NewWatchSessionRepository(db)
	adRepo := repository.NewAdRepository(db)
	sponsorRepo := repository.NewSponsorRepository(db)
	sponsorTxRepo := repository.NewSponsorTransactionRepository(db)
	rewardRepo := repository.NewRewardRepository(db)
	auditRepo := repository.NewAuditLogRepository(db)
	transactor := repository.NewTransactor(db)

	// Protocol components
	node, err := snowflake.NewNode(cfg.Settlement.NodeID)
	if err != nil {
		return nil, fmt.Errorf("invalid settlement node id: %w", err)
	}
	credentials, err := businessflow.NewCredentialRotator(cfg.WatchLink.CredentialSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize credential rotator: %w", err)
	}
	policy, err := businessflow.NewFraudPolicy(cfg.Fraud.BlockingFlags, cfg.Fraud.BlockRule)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize fraud policy: %w", err)
	}
	machine := businessflow.NewSessionMachine(businessflow.NewFraudDetector(policy), credentials)
	adRotator := businessflow.NewAdRotator(adRepo, rotationStore, cfg.Cache.RedisPrefix)
	settlement := businessflow.NewSettlementEngine(
		transactor, sessionRepo, adRepo, sponsorRepo, sponsorTxRepo, rewardRepo, auditRepo,
		node, cfg.Settlement.DefaultCostPerView, logger,
	)

	// Settlement retries go through asynq and need Redis
	var retryQueue businessflow.SettlementRetryQueue
	if cfg.Settlement.RetryEnabled && rc != nil {
		redisOpt := asynqRedisOpt(rc)
		client := asynq.NewClient(redisOpt)
		retryQueue = scheduler.NewSettlementRetryQueue(client, cfg.Settlement, logger)

		worker := scheduler.NewSettlementWorker(redisOpt, cfg.Settlement, logger)
		if err := worker.Start(scheduler.NewSettlementMux(scheduler.NewSettlementRetryHandler(settlement, logger))); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to start settlement worker: %w", err)
		}
		stopFuncs = append(stopFuncs, func() { _ = client.Close() }, worker.Shutdown)
		logger.Info("settlement retry worker started", zap.String("queue", cfg.Settlement.RetryQueue))
	} else if cfg.Settlement.RetryEnabled {
		logger.Warn("settlement retry requires redis; failed settlements wait for the ops retry endpoint")
	}

	videoLocator, err := services.NewVideoLocator(cfg.Video)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize video locator: %w", err)
	}

	tokenService, err := services.NewTokenService(
		cfg.JWT.AccessTokenTTL,
		cfg.JWT.Issuer,
		cfg.JWT.Audience,
		cfg.JWT.SecretKey,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token service: %w", err)
	}

	// Business flows
	watchLinkFlow := businessflow.NewWatchLinkFlow(
		sessionRepo, adRepo, auditRepo,
		adRotator, machine, settlement, retryQueue,
		initializeNotificationService(cfg), videoLocator, locker,
		cfg.WatchLink, cfg.Cache.RedisPrefix, logger,
	)
	opsFlow := businessflow.NewWatchLinkOpsFlow(sessionRepo, auditRepo, settlement)

	// Handlers and router
	watchLinkHandler := handlers.NewWatchLinkHandler(watchLinkFlow, logger, cfg.Server.RequestTimeout)
	opsHandler := handlers.NewOpsHandler(opsFlow, logger, cfg.Server.RequestTimeout)
	authMiddleware := middleware.NewAuthMiddleware(tokenService)

	appRouter := router.NewFiberRouter(cfg, watchLinkHandler, opsHandler, authMiddleware, healthChecks, logger)

	sweeper := scheduler.NewSessionSweeper(sessionRepo, cfg.WatchLink, logger)
	stopFuncs = append(stopFuncs, sweeper.Start(ctx))

	return &Application{
		router:    appRouter,
		config:    cfg,
		server:    appRouter.GetApp(),
		logger:    logger,
		stopFuncs: stopFuncs,
	}, nil
}
