package protocolstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hanging-protocol-server/internal/domain"
)

// SQLiteBackend implements the Backend interface using SQLite.
type SQLiteBackend struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteBackend opens a SQLite protocol backend.
// It creates the database file and schema if they don't exist.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps :memory: databases alive and serializes writes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteBackend{db: db, dbPath: dbPath}, nil
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS protocol_versions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		protocol_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		document TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(protocol_id, version)
	);

	CREATE INDEX IF NOT EXISTS idx_protocol_versions_id ON protocol_versions(protocol_id);
	`

	_, err := db.Exec(schema)
	return err
}

// latestQuery selects the newest revision of every protocol, ordered by first save.
const latestQuery = `
	SELECT v.document
	FROM protocol_versions v
	JOIN (
		SELECT protocol_id, MAX(version) AS version, MIN(seq) AS first_seq
		FROM protocol_versions
		GROUP BY protocol_id
	) latest ON v.protocol_id = latest.protocol_id AND v.version = latest.version
	ORDER BY latest.first_seq
`

// Save appends a protocol revision.
func (s *SQLiteBackend) Save(ctx context.Context, p *domain.Protocol) error {
	document, err := encodeProtocol(p)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO protocol_versions (protocol_id, version, document, created_at) VALUES (?, ?, ?, ?)",
		p.ID, p.Version, document, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert: %w", err)
	}
	return nil
}

// List returns the latest revision of every protocol.
func (s *SQLiteBackend) List(ctx context.Context) ([]*domain.Protocol, error) {
	rows, err := s.db.QueryContext(ctx, latestQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
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
func (s *SQLiteBackend) Versions(ctx context.Context, id string) ([]Version, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT version, document, created_at FROM protocol_versions WHERE protocol_id = ? ORDER BY version",
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
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
func (s *SQLiteBackend) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM protocol_versions WHERE protocol_id = ?", id)
	return err
}

// Close closes the backend and releases resources.
func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}
