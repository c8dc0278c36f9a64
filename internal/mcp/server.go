// Package mcp exposes the matching engine and the protocol registry as MCP
// tools, over stdio or streamable HTTP.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/hanging-protocol-server/internal/domain"
	"github.com/hanging-protocol-server/internal/service"
	"github.com/hanging-protocol-server/internal/session"
)

// Transport names accepted by Options.Transport.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Options configures the MCP server.
type Options struct {
	Name         string
	Version      string
	Transport    string
	HTTPAddr     string
	SessionLimit int
	MaxPriors    int
}

// OptionsFrom builds server options from the MCP and engine configuration.
func OptionsFrom(cfg *domain.Config) Options {
	return Options{
		Name:         cfg.MCP.ServerName,
		Version:      cfg.MCP.ServerVersion,
		Transport:    cfg.MCP.TransportType,
		HTTPAddr:     fmt.Sprintf("%s:%d", cfg.MCP.HTTPHost, cfg.MCP.HTTPPort),
		SessionLimit: cfg.Engine.SessionLimit,
		MaxPriors:    cfg.Engine.MaxPriors,
	}
}

// Server represents the hanging protocol MCP server
type Server struct {
	opts      Options
	mcpServer *mcp.Server
	engine    *service.Engine
	protocols domain.ProtocolStore
	metadata  domain.MetadataSource
	sessions  *session.Store
	logger    *logrus.Logger
}

// NewServer creates a new MCP server instance. metadata may be nil, in which
// case match calls must carry their studies inline.
func NewServer(opts Options, protocols domain.ProtocolStore, metadata domain.MetadataSource, logger *logrus.Logger) (*Server, error) {
	if opts.Name == "" {
		opts.Name = "hanging-protocol-server"
	}
	if opts.Version == "" {
		opts.Version = "v0.1.0"
	}
	if opts.Transport == "" {
		opts.Transport = TransportStdio
	}

	sessions, err := session.NewStore(opts.SessionLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to create session store: %w", err)
	}

	serverInfo := &mcp.Implementation{
		Name:    opts.Name,
		Version: opts.Version,
	}

	s := &Server{
		opts:      opts,
		mcpServer: mcp.NewServer(serverInfo, nil),
		engine:    service.NewEngine(protocols, logger),
		protocols: protocols,
		metadata:  metadata,
		sessions:  sessions,
		logger:    logger,
	}
	s.registerTools()
	return s, nil
}

// Start serves MCP requests until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.logger.WithFields(logrus.Fields{
		"name":      s.opts.Name,
		"transport": s.opts.Transport,
	}).Info("Starting hanging protocol MCP server")

	switch s.opts.Transport {
	case TransportStdio:
		if err := s.mcpServer.Run(ctx, &mcp.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("MCP server failed: %w", err)
		}
		return nil
	case TransportHTTP:
		return s.serveHTTP(ctx)
	default:
		return fmt.Errorf("unsupported transport: %s", s.opts.Transport)
	}
}

// Handler returns the streamable HTTP handler serving this server.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcpServer
	}, nil)
}

func (s *Server) serveHTTP(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.opts.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.opts.HTTPAddr).Info("MCP HTTP transport listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("MCP HTTP transport failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// registerTools registers every tool with the MCP SDK.
func (s *Server) registerTools() {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "match_hanging_protocol",
		Description: "Select the best hanging protocol for a study and its priors and assign display sets to viewports",
	}, s.handleMatch)
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "next_stage",
		Description: "Advance a viewer session to the next enabled stage of its protocol",
	}, s.handleNextStage)
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "previous_stage",
		Description: "Move a viewer session back to the previous enabled stage of its protocol",
	}, s.handlePreviousStage)
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "set_hanging_protocol",
		Description: "Force a viewer session onto a specific protocol and optionally a stage",
	}, s.handleSetProtocol)
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "list_protocols",
		Description: "List the registered hanging protocols",
	}, s.handleListProtocols)
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "get_protocol",
		Description: "Return a registered hanging protocol definition",
	}, s.handleGetProtocol)
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "validate_protocol",
		Description: "Normalize and validate a protocol definition written in JSON, YAML or TOML",
	}, s.handleValidateProtocol)

	s.logger.WithField("tool_count", 7).Info("Registered MCP tools")
}
