// Package main provides the lightweight entry point for the hanging protocol
// MCP server. This version requires no external services - protocols live in
// SQLite and metadata comes from DICOMweb, a DICOM directory or the caller.
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
	// Check for setup subcommand
	if len(os.Args) > 1 && os.Args[1] == "setup" {
		cmd := setup.NewSetupCommand("lite")
		cmd.SetArgs(os.Args[2:])
		if err := cmd.Execute(); err != nil {
			os.Exit(1)
		}
		return
	}

	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("Failed to load .env: %v", err)
	}

	// Load lightweight configuration
	cfg := config.LoadLiteConfig()

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		cancel()
	}()

	// Create lite MCP server
	server, err := mcp.NewLiteServer(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create MCP server: %v", err)
	}
	defer server.Close()

	// Start MCP server
	if err := server.Start(ctx); err != nil {
		log.Printf("MCP server failed: %v", err)
		return
	}
}
