package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"trading-guardian/config"
	"trading-guardian/internal/accounts"
	"trading-guardian/internal/api"
	"trading-guardian/internal/auth"
	"trading-guardian/internal/broker"
	"trading-guardian/internal/database"
	"trading-guardian/internal/events"
	"trading-guardian/internal/guard"
	"trading-guardian/internal/vault"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := newLogger(cfg.LoggingConfig)
	logger.Info().Str("level", cfg.LoggingConfig.Level).Msg("logging initialized")

	// Initialize database
	dbConfig := database.Config{
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnvInt("DB_PORT", 5432),
		User:     getEnv("DB_USER", "guardian"),
		Password: getEnv("DB_PASSWORD", "guardian_password"),
		Database: getEnv("DB_NAME", "trading_guardian"),
		SSLMode:  getEnv("DB_SSLMODE", "disable"),
	}

	db, err := database.NewDB(dbConfig)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.RunMigrations(ctx); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	repo := database.NewRepository(db)

	// Redis mirror is optional. Guard state stays readable for dashboards
	// even when the control plane itself is down.
	var redisClient *redis.Client
	if cfg.RedisConfig.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			PoolSize: cfg.RedisConfig.PoolSize,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("redis unreachable, guard mirror disabled")
			redisClient = nil
		} else {
			logger.Info().Str("addr", cfg.RedisConfig.Address).Msg("redis guard mirror enabled")
		}
	}
	mirror := database.NewRedisGuardMirror(redisClient)

	// Vault holds per-account broker credentials
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		log.Fatalf("Failed to initialize vault client: %v", err)
	}
	if vaultClient.IsEnabled() {
		logger.Info().Str("addr", cfg.VaultConfig.Address).Msg("vault credential source enabled")
	} else {
		logger.Warn().Msg("vault disabled, live broker credentials unavailable")
	}

	// Broker ports
	liveBroker := broker.NewLiveBroker(
		cfg.BrokerConfig.BaseURL,
		time.Duration(cfg.BrokerConfig.RequestTimeout)*time.Second,
		vaultClient,
		logger,
	)
	paperBroker := broker.NewPaperBroker()

	accountService := accounts.NewService(repo, logger)
	ports := broker.NewPortFactory(liveBroker, paperBroker, accountService)

	// Event bus with a durable audit trail
	eventBus := events.NewEventBus()
	recorder := events.NewRecorder(repo, logger)
	recorder.Attach(eventBus)

	// Guard services
	breaker := guard.NewCircuitBreakerService(repo, repo, accountService, mirror, eventBus, cfg.GuardConfig, logger)
	closeSvc := guard.NewTradeCloseService(repo, breaker, eventBus, logger)
	retrySvc := guard.NewExitRetryService(repo, repo, ports, closeSvc, eventBus, cfg.GuardConfig, logger)
	panicSvc := guard.NewEmergencyPanicService(repo, repo, accountService, ports, retrySvc, eventBus, logger)
	reconciler := guard.NewReconciliationService(repo, repo, repo, accountService, ports, retrySvc, mirror, eventBus, cfg.GuardConfig, logger)
	stopLoss := guard.NewStopLossEnforcementService(repo, retrySvc, eventBus, logger)

	// Exhausted exit retries escalate to a full flatten. Wired after
	// construction because panic and retry reference each other.
	retrySvc.SetEscalation(func(ctx context.Context, reason string) error {
		logger.Error().Str("reason", reason).Msg("exit retry budget exhausted, escalating to panic")
		return panicSvc.Panic(ctx, "")
	})

	// Stop acknowledgment watcher fed by per-account order update streams
	watcher := guard.NewAckWatcher(stopLoss, cfg.GuardConfig.StopAckTimeout, logger)
	ackStreams := startAckStreams(ctx, cfg, accountService, liveBroker, watcher, logger)

	// Background loops: reconciliation sweeps and the exit retry drain
	scheduler := guard.NewScheduler(reconciler, retrySvc, cfg.GuardConfig, logger)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start guard scheduler: %v", err)
	}

	authService := auth.NewService(cfg.AuthConfig)

	server := api.NewServer(
		cfg.ServerConfig,
		repo,
		eventBus,
		authService,
		breaker,
		reconciler,
		panicSvc,
		closeSvc,
		logger,
	)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("HTTP server stopped")
		}
	}()

	logger.Info().
		Int("port", cfg.ServerConfig.Port).
		Dur("reconcile_interval", cfg.GuardConfig.ReconcileInterval).
		Msg("trading guardian started")

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("shutdown signal received")

	if err := scheduler.Stop(); err != nil {
		logger.Warn().Err(err).Msg("scheduler stop failed")
	}
	for _, stream := range ackStreams {
		stream.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Warn().Err(err).Msg("redis close failed")
		}
	}

	logger.Info().Msg("shutdown complete")
}

// newLogger builds the root zerolog logger from config
func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

// startAckStreams opens one order update stream per live account and feeds
// order events into the stop acknowledgment watcher. Paper accounts have no
// venue stream; their stops resolve through the paper broker directly.
func startAckStreams(
	ctx context.Context,
	cfg *config.Config,
	accountService *accounts.Service,
	liveBroker *broker.LiveBroker,
	watcher *guard.AckWatcher,
	logger zerolog.Logger,
) []*broker.AckStream {
	active, err := accountService.ActiveAccounts(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("could not list accounts, ack streams not started")
		return nil
	}

	var streams []*broker.AckStream
	for _, account := range active {
		if account.PaperMode {
			continue
		}
		stream := broker.NewAckStream(account.ID, cfg.BrokerConfig.StreamURL, liveBroker, watcher.OnOrderUpdate, logger)
		if err := stream.Start(ctx); err != nil {
			logger.Warn().Err(err).Str("account_id", account.ID).Msg("ack stream start failed")
			continue
		}
		streams = append(streams, stream)
	}
	logger.Info().Int("streams", len(streams)).Msg("order ack streams started")
	return streams
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
