package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/renderd/internal/infrastructure/config"
	"github.com/GriffinCanCode/renderd/internal/infrastructure/logging"
	"github.com/GriffinCanCode/renderd/internal/infrastructure/server"
)

const (
	startTimeout    = 90 * time.Second
	shutdownTimeout = 90 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Flags override environment
	port := flag.String("port", cfg.Server.Port, "Server port")
	dev := flag.Bool("dev", cfg.Logging.Development, "Development mode (console logs, debug level)")
	browserPath := flag.String("browser", cfg.Browser.Path, "Path to the Chrome binary")
	flag.Parse()

	cfg.Server.Port = *port
	cfg.Browser.Path = *browserPath
	if *dev {
		cfg.Logging.Development = true
		cfg.Logging.Level = "debug"
	}

	logger := logging.FromLevel(cfg.Logging.Level, cfg.Logging.Development)

	srv, err := server.NewServer(cfg, server.Options{Logger: logger})
	if err != nil {
		logger.Fatal("Failed to create server", zap.Error(err))
	}

	startCtx, cancel := context.WithTimeout(context.Background(), startTimeout)
	err = srv.Start(startCtx)
	cancel()
	if err != nil {
		logger.Fatal("Failed to start browser", zap.Error(err))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Run()
	}()

	select {
	case sig := <-sigChan:
		logger.Info("Shutting down gracefully", zap.String("signal", sig.String()))
	case err := <-errChan:
		if err != nil {
			logger.Error("Server error", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
		os.Exit(1)
	}
}
