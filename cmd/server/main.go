package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hanging-protocol-server/internal/api"
	"github.com/hanging-protocol-server/internal/config"
	"github.com/hanging-protocol-server/internal/setup"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("Failed to load .env: %v", err)
	}

	// Load configuration
	configManager, err := config.NewManager(os.Getenv("HP_CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Validate configuration
	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	cfg := configManager.GetConfig()
	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	rt, err := setup.OpenRuntime(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize services")
	}
	defer rt.Close()

	server, err := api.NewServer(cfg, rt.Registry, rt.Metadata, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create server")
	}

	logger.WithField("port", cfg.Server.Port).Info("Starting hanging protocol server")
	if err := server.Start(ctx); err != nil {
		logger.WithError(err).Error("Server failed")
		return
	}

	logger.Info("Server stopped")
}
