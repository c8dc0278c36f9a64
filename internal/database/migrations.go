package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/sirupsen/logrus"
)

// ErrDirtySchema reports a protocol schema left half-applied by an
// interrupted migration. It must be repaired by hand with `migrate force`.
var ErrDirtySchema = errors.New("protocol schema is dirty")

// schemaMigrator applies the protocol_versions migrations.
type schemaMigrator struct {
	migrate *migrate.Migrate
	log     *logrus.Logger
}

func newSchemaMigrator(databaseURL, migrationsPath string, logger *logrus.Logger) (*schemaMigrator, error) {
	m, err := migrate.New(fmt.Sprintf("file://%s", migrationsPath), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("creating migration instance: %w", err)
	}
	return &schemaMigrator{migrate: m, log: logger}, nil
}

// version returns the applied schema version, 0 on an empty database.
func (sm *schemaMigrator) version() (uint, bool, error) {
	v, dirty, err := sm.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

func (sm *schemaMigrator) up() (uint, error) {
	before, dirty, err := sm.version()
	if err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	if dirty {
		return before, fmt.Errorf("%w at version %d", ErrDirtySchema, before)
	}

	if err := sm.migrate.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return before, fmt.Errorf("running migrations up: %w", err)
	}

	after, _, err := sm.version()
	if err != nil {
		return before, fmt.Errorf("reading schema version: %w", err)
	}
	sm.log.WithFields(logrus.Fields{
		"from_version": before,
		"to_version":   after,
	}).Info("Protocol schema is up to date")
	return after, nil
}

func (sm *schemaMigrator) close() error {
	sourceErr, dbErr := sm.migrate.Close()
	if sourceErr != nil {
		return fmt.Errorf("closing migration source: %w", sourceErr)
	}
	if dbErr != nil {
		return fmt.Errorf("closing migration database: %w", dbErr)
	}
	return nil
}

// Migrate applies every pending migration in migrationsPath to the database
// described by config. It refuses to run against a dirty schema.
func Migrate(ctx context.Context, config Config, migrationsPath string, logger *logrus.Logger) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sm, err := newSchemaMigrator(config.URL(), migrationsPath, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := sm.close(); err != nil {
			logger.WithError(err).Warn("Failed to close migration runner")
		}
	}()

	_, err = sm.up()
	return err
}
