package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"mapwall/internal/cache"
	"mapwall/internal/catalog"
	"mapwall/internal/config"
	"mapwall/internal/handlers"
	"mapwall/internal/log"
	"mapwall/internal/queue"
	"mapwall/internal/ratelimit"
	"mapwall/internal/repository"
	"mapwall/internal/security"
	"mapwall/internal/server"
	"mapwall/internal/service"
	"mapwall/internal/storage"
	"mapwall/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := log.New(cfg.Environment, cfg.Logging).With().Str("service", "mapwall-api").Logger()

	ctx := context.Background()

	shutdownTracing, err := telemetry.Setup(ctx, "mapwall-api", cfg.Tracing.Enabled)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init tracing")
	}

	cat := catalog.Default()
	if cfg.Catalog.Path != "" {
		if err := cat.LoadFile(cfg.Catalog.Path); err != nil {
			logger.Fatal().Err(err).Str("path", cfg.Catalog.Path).Msg("failed to load catalog")
		}
	}

	jobStore, closeStore, err := repository.Open(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Postgres.Driver).Msg("failed to open job store")
	}

	redisClient, err := cache.NewRedisClient(ctx, cfg.Redis, "mapwall-api")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect redis")
	}

	signatureSecret := cfg.Security.SignatureSecret
	if signatureSecret == "" {
		signatureSecret = randomSecret()
		logger.Warn().Msg("security.signaturesecret not set, download links will not survive a restart")
	}
	signer := security.NewDownloadSigner(signatureSecret)

	gateway, err := storage.Open(ctx, cfg.Storage, signer, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init object store")
	}

	q := queue.New(redisClient, queueOptions(cfg), logger)
	if err := q.EnsureGroup(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to create consumer group")
	}

	counter := ratelimit.NewRedisCounter(redisClient)
	perIP := ratelimit.New(ratelimit.Config{
		MaxRequests: cfg.RateLimit.PerIP.MaxRequests,
		Window:      cfg.RateLimit.PerIP.Window,
		ScopePrefix: "ip",
	}, counter, ratelimit.NewLocalCounter(0), logger)
	perUser := ratelimit.New(ratelimit.Config{
		MaxRequests: cfg.RateLimit.PerUser.MaxRequests,
		Window:      cfg.RateLimit.PerUser.Window,
		ScopePrefix: "user",
	}, counter, ratelimit.NewLocalCounter(0), logger)

	handlerSet := handlers.NewHandlerSet(logger, handlers.Deps{
		Environment:   cfg.Environment,
		SessionSecret: cfg.Security.JWTAccessSecret,
		Generate:      service.NewGenerateService(jobStore, q, cat, logger),
		Status:        service.NewStatusService(jobStore, q, gateway, cfg.Storage.SignedURLTTL, logger),
		Signer:        signer,
		PerIP:         perIP,
		PerUser:       perUser,
		Database:      jobStore,
		Redis:         handlers.PingFunc(func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }),
	})
	httpServer := server.NewHTTPServer(cfg, logger, handlerSet)

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdown(logger, httpServer, closeStore, redisClient, shutdownTracing)
}

func queueOptions(cfg *config.AppConfig) queue.Options {
	return queue.Options{
		Stream:            cfg.Redis.Stream,
		Group:             cfg.Redis.Group,
		MaxAttempts:       cfg.Queue.MaxAttempts,
		InitialBackoff:    cfg.Queue.InitialBackoff,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
	}
}

func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

func waitForShutdown(logger zerolog.Logger, srv *server.HTTPServer, closeStore func(), redisClient *redis.Client, shutdownTracing func(context.Context) error) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	closeStore()
	if err := redisClient.Close(); err != nil {
		logger.Error().Err(err).Msg("redis close error")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("tracing shutdown error")
	}

	logger.Info().Msg("server exited cleanly")
}
