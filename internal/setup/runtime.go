package setup

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/hanging-protocol-server/internal/database"
	"github.com/hanging-protocol-server/internal/domain"
	"github.com/hanging-protocol-server/internal/protocolstore"
	"github.com/hanging-protocol-server/internal/repository"
	"github.com/hanging-protocol-server/pkg/dicomweb"
)

// Runtime holds the shared services of the full servers: the Postgres
// backed protocol registry and the optional DICOMweb metadata source.
type Runtime struct {
	Registry *protocolstore.Registry
	Metadata domain.MetadataSource

	db     *database.DB
	cache  *dicomweb.Cache
	logger *logrus.Logger
}

// OpenRuntime migrates the database, loads the registry, imports the
// configured protocol files and connects the metadata source.
func OpenRuntime(ctx context.Context, cfg *domain.Config, logger *logrus.Logger) (*Runtime, error) {
	rt := &Runtime{logger: logger}

	dbConfig := database.ConfigFrom(cfg.Database)
	if cfg.Database.MigrationsPath != "" {
		if err := database.Migrate(ctx, dbConfig, cfg.Database.MigrationsPath, logger); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	db, err := database.NewConnection(ctx, dbConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	rt.db = db

	rt.Registry = protocolstore.NewRegistry(repository.NewProtocolRepository(db.Pool, logger), logger)
	if err := rt.Registry.Load(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	if cfg.Engine.ProtocolsDir != "" {
		if _, _, err := rt.Registry.ImportPath(ctx, cfg.Engine.ProtocolsDir); err != nil {
			rt.Close()
			return nil, fmt.Errorf("failed to import protocols: %w", err)
		}
	}

	if cfg.DICOMweb.BaseURL != "" {
		cache, err := dicomweb.NewCache(cfg.Cache, logger)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("failed to create metadata cache: %w", err)
		}
		rt.cache = cache
		rt.Metadata = dicomweb.NewClient(cfg.DICOMweb, cache, logger)
	} else {
		logger.Warn("No DICOMweb URL configured; match requests must carry their studies")
	}

	return rt, nil
}

// Close releases the cache and the database pool.
func (rt *Runtime) Close() {
	if rt.cache != nil {
		if err := rt.cache.Close(); err != nil {
			rt.logger.WithError(err).Warn("Failed to close metadata cache")
		}
	}
	if rt.db != nil {
		rt.db.Close()
	}
}
