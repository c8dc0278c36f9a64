package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hanging-protocol-server/internal/config"
	"github.com/hanging-protocol-server/internal/mcp"
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

	// stdout carries the stdio transport
	if cfg.MCP.TransportType == mcp.TransportStdio && (cfg.Logging.Output == "" || cfg.Logging.Output == "stdout") {
		cfg.Logging.Output = "stderr"
	}
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
		logger.Info("Shutdown signal received, gracefully shutting down MCP server...")
		cancel()
	}()

	rt, err := setup.OpenRuntime(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize services")
	}
	defer rt.Close()

	mcpServer, err := mcp.NewServer(mcp.OptionsFrom(cfg), rt.Registry, rt.Metadata, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create MCP server")
	}

	if err := mcpServer.Start(ctx); err != nil {
		logger.WithError(err).Error("MCP server failed")
		return
	}

	logger.Info("Hanging protocol MCP server stopped")
}
