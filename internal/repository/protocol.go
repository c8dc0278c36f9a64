package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/hanging-protocol-server/internal/domain"
	"github.com/hanging-protocol-server/internal/protocolstore"
)

// ProtocolRepository is the append-only protocol version store of the
// server, backed by pgx.
type ProtocolRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewProtocolRepository creates a new protocol repository
func NewProtocolRepository(db *pgxpool.Pool, logger *logrus.Logger) *ProtocolRepository {
	return &ProtocolRepository{
		db:  db,
		log: logger,
	}
}

// Save appends a protocol revision
func (r *ProtocolRepository) Save(ctx context.Context, p *domain.Protocol) error {
	document, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding protocol %s: %w", p.ID, err)
	}

	query := `
		INSERT INTO protocol_versions (protocol_id, version, document, created_at)
		VALUES ($1, $2, $3, $4)`

	if _, err := r.db.Exec(ctx, query, p.ID, p.Version, string(document), time.Now().UTC()); err != nil {
		r.log.WithFields(logrus.Fields{
			"protocol_id": p.ID,
			"version":     p.Version,
			"error":       err,
		}).Error("Failed to save protocol version")
		return fmt.Errorf("saving protocol version: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"protocol_id": p.ID,
		"version":     p.Version,
	}).Debug("Protocol version saved")
	return nil
}

// List returns the latest revision of every protocol in first-save order
func (r *ProtocolRepository) List(ctx context.Context) ([]*domain.Protocol, error) {
	query := `
		SELECT v.document::text
		FROM protocol_versions v
		JOIN (
			SELECT protocol_id, MAX(version) AS version, MIN(seq) AS first_seq
			FROM protocol_versions
			GROUP BY protocol_id
		) latest ON v.protocol_id = latest.protocol_id AND v.version = latest.version
		ORDER BY latest.first_seq`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing protocols: %w", err)
	}
	defer rows.Close()

	var protocols []*domain.Protocol
	for rows.Next() {
		var document string
		if err := rows.Scan(&document); err != nil {
			return nil, fmt.Errorf("scanning protocol: %w", err)
		}
		var p domain.Protocol
		if err := json.Unmarshal([]byte(document), &p); err != nil {
			return nil, fmt.Errorf("decoding protocol: %w", err)
		}
		protocols = append(protocols, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating protocols: %w", err)
	}

	return protocols, nil
}

// Versions returns every revision of a protocol, oldest first
func (r *ProtocolRepository) Versions(ctx context.Context, id string) ([]protocolstore.Version, error) {
	query := `
		SELECT version, document::text, created_at
		FROM protocol_versions
		WHERE protocol_id = $1
		ORDER BY version`

	rows, err := r.db.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("listing protocol versions: %w", err)
	}
	defer rows.Close()

	var versions []protocolstore.Version
	for rows.Next() {
		v := protocolstore.Version{ProtocolID: id}
		var document string
		if err := rows.Scan(&v.Version, &document, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning protocol version: %w", err)
		}
		var p domain.Protocol
		if err := json.Unmarshal([]byte(document), &p); err != nil {
			return nil, fmt.Errorf("decoding protocol version: %w", err)
		}
		v.Protocol = &p
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating protocol versions: %w", err)
	}

	if len(versions) == 0 {
		return nil, fmt.Errorf("protocol %s: %w", id, domain.ErrProtocolNotFound)
	}
	return versions, nil
}

// Delete removes a protocol and its history
func (r *ProtocolRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM protocol_versions WHERE protocol_id = $1", id)
	if err != nil {
		return fmt.Errorf("deleting protocol: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"protocol_id": id,
		"versions":    tag.RowsAffected(),
	}).Info("Protocol history deleted")
	return nil
}

// Close is a no-op; the pool is owned by the database package.
func (r *ProtocolRepository) Close() error {
	return nil
}

var _ protocolstore.Backend = (*ProtocolRepository)(nil)
