package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"clip-publisher/internal/config"
	"clip-publisher/internal/logging"
	"clip-publisher/internal/models"
	"clip-publisher/internal/store"
	"clip-publisher/internal/telemetry"
	"clip-publisher/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migrations")
	}

	registry := worker.NewRegistry()

	renderHandler, err := worker.NewRenderHandler(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("init render handler")
	}
	registry.MustRegister(models.KindRender, renderHandler.Handle)

	if cfg.MediaServiceURL != "" {
		svc := newServiceClient(cfg.MediaServiceURL, cfg.MediaServiceTimeout)
		registry.MustRegister(models.KindTranscription, worker.TranscriptionHandler(svc))
		registry.MustRegister(models.KindHighlightDetection, worker.HighlightHandler(svc))
		registry.MustRegister(models.KindAnalyticsIngest, worker.AnalyticsHandler(svc))
		for _, platform := range []string{models.PlatformYouTube, models.PlatformTikTok} {
			kind, _ := models.PublishKindForPlatform(platform)
			h := worker.NewPublishHandler(platform, st, st, svc, logger)
			registry.MustRegister(kind, h.Handle)
		}
	} else {
		// Jobs for the unregistered kinds fail with backoff until a
		// replica with a media service picks them up.
		logger.Warn().Msg("MEDIA_SERVICE_URL unset, media and publish kinds not registered")
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	dispatcher := worker.NewDispatcher(cfg, st, registry, logger)
	if err := dispatcher.Run(ctx); err != nil && err != context.Canceled {
		logger.Error().Err(err).Msg("worker stopped")
	}
}
