package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"geoanchor/internal/cache"
	"geoanchor/internal/config"
	"geoanchor/internal/events"
	"geoanchor/internal/handlers"
	"geoanchor/internal/jobs"
	"geoanchor/internal/log"
	"geoanchor/internal/metrics"
	"geoanchor/internal/ollama"
	"geoanchor/internal/server"
	"geoanchor/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := log.New(cfg.Environment)

	ctx := context.Background()

	var (
		redisClient *redis.Client
		publisher   events.Publisher = events.Nop{}
	)
	if cfg.Redis.Enabled() {
		redisClient, err = cache.NewRedisClient(ctx, cfg.Redis, "geoanchor-api")
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect redis")
		}
		publisher = events.NewStreamPublisher(redisClient, cfg.Redis.Stream)
	} else {
		logger.Info().Msg("redis not configured, file events disabled")
	}

	ollamaClient := ollama.NewClient(cfg.Ollama.BaseURL, cfg.Ollama.Timeout)
	logger.Info().
		Str("ollama", ollamaClient.BaseURL()).
		Dur("timeout", cfg.Ollama.Timeout).
		Str("schedule", cfg.Ollama.CheckSchedule).
		Msg("inference client configured")
	scheduler := jobs.NewScheduler(ollamaClient, cfg.Ollama.CheckSchedule, logger)
	m := metrics.New()

	handlerSet := handlers.NewHandlerSet(logger, cfg, handlers.Dependencies{
		Store:     storage.NewDiskStore(cfg.Storage),
		Publisher: publisher,
		Ollama:    ollamaClient,
		Check:     scheduler,
		Metrics:   m,
	})
	httpServer := server.NewHTTPServer(cfg, logger, m, handlerSet)

	if err := scheduler.Start(); err != nil {
		logger.Error().Err(err).Msg("scheduler start failed")
	}

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdown(logger, httpServer, scheduler, redisClient)
}

func waitForShutdown(logger zerolog.Logger, srv *server.HTTPServer, scheduler *jobs.Scheduler, redisClient *redis.Client) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn().Msg("check still running at shutdown")
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("redis close error")
		}
	}

	logger.Info().Msg("server exited cleanly")
}
