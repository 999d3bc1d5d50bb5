package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/kiosk-pairing-go/internal/clock"
	"github.com/openclaw/kiosk-pairing-go/internal/codegen"
	"github.com/openclaw/kiosk-pairing-go/internal/config"
	"github.com/openclaw/kiosk-pairing-go/internal/database"
	"github.com/openclaw/kiosk-pairing-go/internal/handler"
	"github.com/openclaw/kiosk-pairing-go/internal/jobs"
	"github.com/openclaw/kiosk-pairing-go/internal/migration"
	"github.com/openclaw/kiosk-pairing-go/internal/redis"
	"github.com/openclaw/kiosk-pairing-go/internal/repository"
	"github.com/openclaw/kiosk-pairing-go/internal/service"
	"github.com/openclaw/kiosk-pairing-go/internal/sse"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("FLY_APP_NAME") != ""
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	cancel()
	log.Info().Msg("database connected")

	if cfg.MigrateOnStart {
		if err := migration.Run(db.DB.DB); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
		log.Info().Msg("migrations applied")
	}

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	activationStore := repository.NewActivationStore(db.DB)
	tenantRepo := repository.NewTenantRepository(db.DB)
	inventoryRepo := repository.NewInventoryRepository(db.DB)
	assetLinkRepo := repository.NewAssetLinkRepository(db.DB)

	broker := sse.NewBroker(redisClient)
	defer broker.Close()

	clk := clock.Real{}
	pairingService := service.NewPairingService(
		activationStore, assetLinkRepo, codegen.NewRandomGenerator(), broker, clk,
		service.PairingConfigFrom(cfg),
	)
	assetLinker := service.NewAssetLinker(activationStore, inventoryRepo, assetLinkRepo, clk)

	health := handler.NewHealthHandler(map[string]handler.HealthCheck{
		"database": db.Ping,
		"redis": func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		},
	})

	r := handler.NewRouter(handler.RouterDeps{
		Pairing:             pairingService,
		Linker:              assetLinker,
		Bus:                 broker,
		Tenants:             tenantRepo,
		Limiter:             service.NewRateLimiter(redisClient.Client),
		Health:              health,
		RedeemLimitPerMin:   cfg.RedeemRateLimitPerMin,
		IssueLimitPerMin:    cfg.IssueRateLimitPerMin,
		RedeemMaxFailures:   config.RedeemLockoutFailures,
		RedeemLockoutWindow: config.RedeemLockoutWindow,
		IsProduction:        isProduction,
		MetricsUser:         cfg.MetricsUser,
		MetricsPasswordHash: cfg.MetricsPasswordHash,
	})

	maintenance := jobs.NewMaintenanceJob(jobs.PairingTasks(pairingService, cfg.SweepInterval(), cfg.Retention())...)
	maintenance.Start()
	defer maintenance.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
