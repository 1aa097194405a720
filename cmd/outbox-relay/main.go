package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/restaurant-platform/outbox-relay/pkg/broker"
	"github.com/restaurant-platform/outbox-relay/pkg/config"
	"github.com/restaurant-platform/outbox-relay/pkg/dispatcher"
	"github.com/restaurant-platform/outbox-relay/pkg/metrics"
	"github.com/restaurant-platform/outbox-relay/pkg/relay"
	"github.com/restaurant-platform/outbox-relay/pkg/store"
	"github.com/restaurant-platform/outbox-relay/pkg/telemetry"
)

func main() {
	ctx := context.Background()

	logger := zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service", "outbox-relay").
		Logger()

	// Load configuration from file or environment
	cfg, err := config.LoadFromFile("./cmd/outbox-relay")
	if err != nil {
		logger.Fatal().Err(err).Msg("error loading configuration")
	}

	// Initialize telemetry (tracing)
	shutdownTelemetry, err := telemetry.Init(cfg.Observability)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer shutdownTelemetry()

	// Initialize the repository
	repo, err := store.NewRepository(ctx, cfg.Database, cfg.Claim.Expiry)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize repository")
	}

	// Initialize the message broker
	msgBroker, err := broker.NewBroker(ctx, &cfg.Broker)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize broker")
	}
	defer msgBroker.Close()

	// Expose metrics and health probes
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	d := dispatcher.New(repo, msgBroker, cfg.Dispatch.Timeout, logger)

	r := relay.New(repo, d, cfg, logger)
	r.Start(ctx)

	// Block until shutdown is requested, then drain the in-flight batch.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	r.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown failed")
	}
}
