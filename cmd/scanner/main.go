package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"clip-publisher/internal/config"
	"clip-publisher/internal/idempotency"
	"clip-publisher/internal/logging"
	"clip-publisher/internal/scanner"
	"clip-publisher/internal/store"
	"clip-publisher/internal/telemetry"
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

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	ledger := idempotency.NewLedger(st, cfg.IdempotencyTTL)
	sc := scanner.New(cfg, st, st, st, ledger, logger)

	logger.Info().Dur("scan_interval", cfg.ScanInterval).Msg("scanner started")
	if err := sc.RunEvery(ctx, cfg.ScanInterval); err != nil && err != context.Canceled {
		logger.Error().Err(err).Msg("scanner stopped")
	}
}
