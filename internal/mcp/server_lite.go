package mcp

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	litecfg "github.com/hanging-protocol-server/internal/config"
	"github.com/hanging-protocol-server/internal/domain"
	"github.com/hanging-protocol-server/internal/protocolstore"
	"github.com/hanging-protocol-server/pkg/dicomfile"
	"github.com/hanging-protocol-server/pkg/dicomweb"
)

// LiteServer is a lightweight MCP server that requires no external services.
// Protocols persist in SQLite, or in Postgres when a database URL is given.
type LiteServer struct {
	*Server
	config   *litecfg.LiteConfig
	backend  protocolstore.Backend
	registry *protocolstore.Registry
	cache    *dicomweb.Cache
}

// LiteServerOption is a functional option for LiteServer.
type LiteServerOption func(*liteOptions) error

type liteOptions struct {
	logger   *logrus.Logger
	backend  protocolstore.Backend
	metadata domain.MetadataSource
}

// WithLogger sets a custom logger.
func WithLogger(logger *logrus.Logger) LiteServerOption {
	return func(o *liteOptions) error {
		o.logger = logger
		return nil
	}
}

// WithBackend sets a custom protocol backend.
func WithBackend(backend protocolstore.Backend) LiteServerOption {
	return func(o *liteOptions) error {
		o.backend = backend
		return nil
	}
}

// WithMetadataSource sets a custom metadata source.
func WithMetadataSource(source domain.MetadataSource) LiteServerOption {
	return func(o *liteOptions) error {
		o.metadata = source
		return nil
	}
}

// NewLiteServer creates a new lightweight MCP server instance.
func NewLiteServer(ctx context.Context, cfg *litecfg.LiteConfig, opts ...LiteServerOption) (*LiteServer, error) {
	o := &liteOptions{}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if o.logger == nil {
		logger, err := litecfg.NewLogger(cfg.Logging())
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
		o.logger = logger
	}
	logger := o.logger

	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	server := &LiteServer{config: cfg, backend: o.backend}
	if server.backend == nil {
		backend, err := protocolstore.OpenBackend(cfg.DatabaseURL, cfg.ProtocolDBPath())
		if err != nil {
			return nil, fmt.Errorf("failed to open protocol store: %w", err)
		}
		server.backend = backend
	}

	server.registry = protocolstore.NewRegistry(server.backend, logger)
	if err := server.registry.Load(ctx); err != nil {
		server.Close()
		return nil, err
	}
	if cfg.ProtocolsDir != "" {
		if _, _, err := server.registry.ImportPath(ctx, cfg.ProtocolsDir); err != nil {
			server.Close()
			return nil, fmt.Errorf("failed to import protocols: %w", err)
		}
	}

	metadata := o.metadata
	if metadata == nil {
		var err error
		metadata, err = server.openMetadataSource(ctx, logger)
		if err != nil {
			server.Close()
			return nil, err
		}
	}

	mcpServer, err := NewServer(Options{
		Name:         "hanging-protocol-server-lite",
		Transport:    cfg.Transport,
		HTTPAddr:     fmt.Sprintf("localhost:%d", cfg.HTTPPort),
		SessionLimit: cfg.SessionLimit,
		MaxPriors:    cfg.MaxPriors,
	}, server.registry, metadata, logger)
	if err != nil {
		server.Close()
		return nil, err
	}
	server.Server = mcpServer

	logger.WithFields(logrus.Fields{
		"data_dir":  cfg.DataDir,
		"protocols": len(server.registry.ListProtocols()),
	}).Info("Lite server initialized successfully")
	return server, nil
}

// openMetadataSource picks DICOMweb when a URL is configured, then a DICOM
// directory. With neither, match calls must carry their studies.
func (s *LiteServer) openMetadataSource(ctx context.Context, logger *logrus.Logger) (domain.MetadataSource, error) {
	switch {
	case s.config.DICOMwebURL != "":
		s.cache = dicomweb.NewMemoryCache(s.config.CacheMaxItems, s.config.CacheTTL, logger)
		return dicomweb.NewClient(s.config.DICOMweb(), s.cache, logger), nil
	case s.config.DICOMDir != "":
		source, err := dicomfile.OpenDirectory(ctx, s.config.DICOMDir, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to load DICOM directory: %w", err)
		}
		return source, nil
	}
	logger.Info("No metadata source configured; studies must be supplied inline")
	return nil, nil
}

// Registry returns the protocol registry.
func (s *LiteServer) Registry() *protocolstore.Registry {
	return s.registry
}

// Close cleans up server resources.
func (s *LiteServer) Close() error {
	if s.cache != nil {
		s.cache.Close()
	}
	if s.backend != nil {
		return s.backend.Close()
	}
	return nil
}
