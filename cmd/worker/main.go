package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"geoanchor/internal/cache"
	"geoanchor/internal/config"
	"geoanchor/internal/log"
	"geoanchor/internal/metrics"
	"geoanchor/internal/queue"
	"geoanchor/internal/storage"
	"geoanchor/internal/tasks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := log.New(cfg.Environment).With().Str("component", "mirror-worker").Logger()

	if !cfg.Redis.Enabled() || !cfg.Mirror.Enabled() {
		logger.Fatal().
			Bool("redis", cfg.Redis.Enabled()).
			Bool("mirror", cfg.Mirror.Enabled()).
			Msg("worker needs both redis and mirror settings")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := cache.NewRedisClient(ctx, cfg.Redis, cfg.Redis.Consumer)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection failed")
	}
	defer client.Close()

	objectStore, err := storage.NewObjectStore(cfg.Mirror)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init object store")
	}
	if err := objectStore.EnsureBucket(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ensure bucket failed")
	}

	m := metrics.New()
	if cfg.Queues.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.Queues.MetricsAddr, m, logger)
	}

	processor := tasks.NewProcessor(storage.NewDiskStore(cfg.Storage), objectStore, m, logger)
	consumer := queue.NewConsumer(
		client,
		cfg.Redis.Stream,
		cfg.Redis.Group,
		cfg.Redis.Consumer,
		cfg.Queues.ClaimInterval,
		logger,
		processor,
	)

	logger.Info().
		Str("stream", cfg.Redis.Stream).
		Str("bucket", cfg.Mirror.Bucket).
		Msg("mirror worker started")

	if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("consumer stopped unexpectedly")
	}
	logger.Info().Msg("worker exited")
}

func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Str("addr", addr).Msg("metrics listener failed")
	}
}
