package protocolstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/hanging-protocol-server/internal/domain"
)

// PostgresBackend implements the Backend interface using PostgreSQL.
type PostgresBackend struct {
	db *sql.DB
}

// NewPostgresBackend creates a new PostgreSQL protocol backend.
// It expects the schema to already exist (created via migrations).
func NewPostgresBackend(db *sql.DB) (*PostgresBackend, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresBackend{db: db}, nil
}

// NewPostgresBackendFromURL creates a PostgreSQL protocol backend from a connection URL.
func NewPostgresBackendFromURL(databaseURL string) (*PostgresBackend, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	backend, err := NewPostgresBackend(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return backend, nil
}

// Save appends a protocol revision.
func (s *PostgresBackend) Save(ctx context.Context, p *domain.Protocol) error {
	document, err := encodeProtocol(p)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO protocol_versions (protocol_id, version, document, created_at) VALUES ($1, $2, $3, $4)",
		p.ID, p.Version, document, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save protocol: %w", err)
	}
	return nil
}

// List returns the latest revision of every protocol.
func (s *PostgresBackend) List(ctx context.Context) ([]*domain.Protocol, error) {
	rows, err := s.db.QueryContext(ctx, latestQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to list protocols: %w", err)
	}
	defer rows.Close()

	var result []*domain.Protocol
	for rows.Next() {
		var document string
		if err := rows.Scan(&document); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		p, err := decodeProtocol(document)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// Versions returns every revision of a protocol, oldest first.
func (s *PostgresBackend) Versions(ctx context.Context, id string) ([]Version, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT version, document, created_at FROM protocol_versions WHERE protocol_id = $1 ORDER BY version",
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()

	var result []Version
	for rows.Next() {
		v := Version{ProtocolID: id}
		var document string
		if err := rows.Scan(&v.Version, &document, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if v.Protocol, err = decodeProtocol(document); err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, domain.ErrProtocolNotFound
	}
	return result, nil
}

// Delete removes a protocol and its history.
func (s *PostgresBackend) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM protocol_versions WHERE protocol_id = $1", id); err != nil {
		return fmt.Errorf("failed to delete protocol: %w", err)
	}
	return nil
}

// Close closes the backend and releases resources.
func (s *PostgresBackend) Close() error {
	return s.db.Close()
}
