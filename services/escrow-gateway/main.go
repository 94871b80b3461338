package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"escrowcoord/core/engine"
	"escrowcoord/integrations/evm"
	"escrowcoord/observability"
	"escrowcoord/observability/logging"
	"escrowcoord/observability/metrics"
	telemetry "escrowcoord/observability/otel"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "escrow-gateway: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := LoadConfigFromEnv()
	if err != nil {
		return err
	}
	logger, logCloser := logging.Setup(logging.Options{
		Service:     "escrow-gateway",
		Environment: cfg.Telemetry.Environment,
		Level:       cfg.Logging.Level,
		File:        cfg.Logging.File,
		MaxSizeMB:   cfg.Logging.MaxSizeMB,
		MaxBackups:  cfg.Logging.MaxBackups,
		MaxAgeDays:  cfg.Logging.MaxAgeDays,
	})
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	limiter := engine.ReadLimiter(cfg.Ledger)
	eng, err := engine.New(cfg, engine.Options{
		Logger:  logger,
		Metrics: metrics.Escrow(),
		Limit: func(c evm.Client) evm.Client {
			return newLimitedClient(c, limiter, cfg.Ledger.ReadTimeout.Duration)
		},
	})
	if err != nil {
		return err
	}

	if err := startWatchTargets(ctx, eng.Watcher, cfg.Watch, logger); err != nil {
		_ = eng.Close(context.Background())
		return err
	}
	go runFlusher(ctx, eng.Mirror, cfg.Mirror.PollInterval.Duration, logger)

	gwMetrics := observability.Gateway()
	server, err := NewServer(Config{
		Coordinator: eng.Coordinator,
		Mirror:      eng.Mirror,
		Watcher:     eng.Watcher,
		Prices:      eng.Oracle,
		Auth: NewAuthenticator(AuthConfig{
			HMACSecret: cfg.Gateway.JWTSecret,
			Issuer:     cfg.Gateway.Issuer,
			Audience:   cfg.Gateway.Audience,
		}, logger),
		Limiter: NewRateLimiter(cfg.Gateway.RequestsPerMinute, cfg.Gateway.Burst, gwMetrics),
		Logger:  logger,
		Metrics: gwMetrics,
		Stream:  observability.Stream(),
	})
	if err != nil {
		_ = eng.Close(context.Background())
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Gateway.ListenAddress,
		Handler:           otelhttp.NewHandler(server, "escrow-gateway"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("escrow gateway listening",
			slog.String("address", cfg.Gateway.ListenAddress),
			logging.MaskField("jwt_secret", cfg.Gateway.JWTSecret))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}

	logger.Info("shutting down escrow gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Gateway.ShutdownTimeout.Duration)
	defer cancel()
	return errors.Join(
		err,
		srv.Shutdown(shutdownCtx),
		eng.Close(shutdownCtx),
		shutdownTelemetry(shutdownCtx),
	)
}
