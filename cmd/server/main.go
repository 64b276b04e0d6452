package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/vanshika/uplink/internal/bootstrap"
	"github.com/vanshika/uplink/internal/config"
	"github.com/vanshika/uplink/internal/logging"
	"github.com/vanshika/uplink/internal/server"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialise services", zap.String("backend", cfg.Store.Backend), zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if err := app.Close(context.Background()); err != nil {
			logger.Warn("closing store failed", zap.Error(err))
		}
	}()
	logger.Info("ledger store ready",
		zap.String("backend", cfg.Store.Backend),
		zap.Bool("demo_fixtures", cfg.Store.DemoFixtures),
		zap.String("root_uid", app.Members.RootUID()))

	apiHandlers := server.NewAPIHandlers(logger.With(zap.String("component", "api")), app.Members, app.Engine, app.Retrier, cfg.HTTP)
	deps := server.RouterDependencies{
		Health:           server.StoreHealthService{Store: app.Store},
		API:              apiHandlers,
		Metrics:          app.Metrics,
		AllowedOrigins:   parseAllowedOrigins(cfg.HTTP.AllowedOriginsCSV),
		AllowCredentials: true,
	}
	if cfg.HTTP.MetricsEnabled {
		deps.Gatherer = app.Registry
	}
	router := server.NewRouter(logger, deps)

	srv := server.New(logger, cfg.HTTP, router)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("server stopped unexpectedly", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func parseAllowedOrigins(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	var origins []string
	for _, part := range parts {
		origin := strings.TrimSpace(part)
		if origin == "" {
			continue
		}
		origins = append(origins, origin)
	}
	return origins
}
