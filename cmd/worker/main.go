package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mapwall/internal/cache"
	"mapwall/internal/catalog"
	"mapwall/internal/config"
	"mapwall/internal/enhance"
	"mapwall/internal/jobs"
	"mapwall/internal/log"
	"mapwall/internal/pipeline"
	"mapwall/internal/queue"
	"mapwall/internal/render"
	"mapwall/internal/repository"
	"mapwall/internal/security"
	"mapwall/internal/storage"
	"mapwall/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := log.New(cfg.Environment, cfg.Logging).With().Str("service", "mapwall-worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "mapwall-worker", cfg.Tracing.Enabled)
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
	defer closeStore()

	client, err := cache.NewRedisClient(ctx, cfg.Redis, "mapwall-worker")
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection failed")
	}
	defer client.Close()

	gateway, err := storage.Open(ctx, cfg.Storage, security.NewDownloadSigner(cfg.Security.SignatureSecret), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init object store")
	}

	q := queue.New(client, queue.Options{
		Stream:            cfg.Redis.Stream,
		Group:             cfg.Redis.Group,
		MaxAttempts:       cfg.Queue.MaxAttempts,
		InitialBackoff:    cfg.Queue.InitialBackoff,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
	}, logger)

	surface := render.NewChromeSurface(render.ChromeOptions{
		ExecPath:  cfg.Render.ChromePath,
		NoSandbox: cfg.Render.NoSandbox,
	}, logger)
	defer func() {
		if err := surface.Close(); err != nil {
			logger.Error().Err(err).Msg("close browser")
		}
	}()
	renderer := render.NewRenderer(surface, render.Options{
		MaxSize: cfg.Render.MaxSize,
		Timeout: cfg.Render.Timeout,
		Settle:  cfg.Render.Settle,
	}, logger)

	var predictor enhance.Predictor
	if cfg.AI.Enabled() {
		predictor = enhance.NewClient(cfg.AI)
	} else {
		logger.Info().Msg("ai.apitoken not set, AI enhancement disabled")
	}
	enhancer := enhance.New(predictor, enhance.Options{}, logger)

	processor := pipeline.NewProcessor(jobStore, q, cat, renderer, enhancer, gateway, pipeline.Options{
		TempURLTTL: cfg.Storage.SignedURLTTL,
	}, logger)

	pool := queue.NewPool(q, processor, queue.PoolOptions{
		Size:           cfg.Queue.Concurrency,
		ConsumerPrefix: consumerPrefix(cfg.Redis.Consumer),
		ClaimInterval:  cfg.Queue.ClaimInterval,
		AttemptTimeout: cfg.Queue.AttemptTimeout,
	}, logger)

	scheduler := jobs.NewScheduler(jobStore, q, gateway, jobs.Options{
		StaleAfter: cfg.Queue.StaleAfter,
		TempMaxAge: cfg.Storage.TempMaxAge,
	}, logger)
	if err := scheduler.Start(); err != nil {
		logger.Error().Err(err).Msg("scheduler start failed")
	}

	metricsServer := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics listener failed")
		}
	}()

	logger.Info().
		Int("concurrency", cfg.Queue.Concurrency).
		Str("stream", cfg.Redis.Stream).
		Str("storage", string(gateway.Kind())).
		Bool("ai", enhancer.Available()).
		Msg("worker starting")

	if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker pool stopped unexpectedly")
	}
	logger.Info().Msg("shutdown signal received, in-flight jobs finished")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics shutdown error")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("tracing shutdown error")
	}
}

// consumerPrefix keeps consumer names unique across worker processes.
func consumerPrefix(base string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return base
	}
	return base + "-" + host
}
