package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	infra_config "github.com/spounge-ai/polysecret/internal/infra/config"
	"github.com/spounge-ai/polysecret/internal/wiring"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := infra_config.Load(os.Getenv("POLYSECRET_CONFIG_PATH"))
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)
	logger.Info("starting polysecretd", "version", cfg.ServiceVersion, "commit", cfg.BuildCommit)

	app, err := wiring.NewContainer(cfg, logger).Build(ctx)
	if err != nil {
		logger.Error("failed to build application", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Error("failed to close application", "error", err)
		}
	}()

	// Start resources in a separate goroutine
	go func() {
		logger.Info("starting application resources")
		if err := app.Resources.Start(ctx); err != nil {
			logger.Error("error starting resources", "error", err)
			cancel()
			return
		}
		logger.Info("application started successfully",
			"grpc_addr", app.Server.GRPCAddr().String(),
			"http_addr", app.Server.HTTPAddr().String())
	}()

	// Wait for shutdown signal
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-signalChan:
		logger.Info("received shutdown signal", "signal", s.String())
	case <-ctx.Done():
		logger.Info("context cancelled, initiating shutdown")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	logger.Info("shutting down application resources")
	if err := app.Resources.Stop(shutdownCtx); err != nil {
		logger.Error("error stopping resources", "error", err)
	}
	logger.Info("shutdown complete")
}
