// Package main is the entry point for the OrbitMesh server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/internal/common/config"
	"github.com/orbitmesh/orbitmesh/internal/common/logger"
	"github.com/orbitmesh/orbitmesh/internal/server"
)

const (
	exitConfigError  = 2
	exitStartupError = 3
	exitAuthNotReady = 4
	exitSignal       = 130
)

func main() {
	configPath := flag.String("config", "", "directory containing config.yaml")
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(exitConfigError)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(exitConfigError)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting OrbitMesh server...")

	// 3. Build the server (store, bus, registry, dispatcher, engine)
	srv, err := server.New(cfg, log)
	if err != nil {
		log.Error("Failed to build server", zap.Error(err))
		os.Exit(exitStartupError)
	}

	// 4. Probe the agent authenticator before accepting connections
	readyCtx, readyCancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = srv.Authenticator().Ready(readyCtx)
	readyCancel()
	if err != nil {
		log.Error("Authenticator not ready", zap.Error(err))
		os.Exit(exitAuthNotReady)
	}

	// 5. Start
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	if err := srv.Start(ctx, errCh); err != nil {
		log.Error("Failed to start server", zap.Error(err))
		os.Exit(exitStartupError)
	}
	log.Info("OrbitMesh server started")

	// 6. Wait for shutdown signal or a fatal server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-quit:
		log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		exitCode = exitSignal
	case err := <-errCh:
		log.Error("HTTP server error", zap.Error(err))
		exitCode = 1
	}

	// 7. Graceful shutdown
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	srv.Stop(shutdownCtx)

	log.Info("OrbitMesh server stopped")
	log.Sync()
	os.Exit(exitCode)
}
