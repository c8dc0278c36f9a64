// Package protocolstore keeps the registry of hanging protocols and the
// backends that persist their version history.
package protocolstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hanging-protocol-server/internal/domain"
)

// ExportFormatVersion is written into every export document.
const ExportFormatVersion = "1.0"

// Version is one stored revision of a protocol.
type Version struct {
	ProtocolID string           `json:"protocolId"`
	Version    int              `json:"version"`
	Protocol   *domain.Protocol `json:"protocol"`
	CreatedAt  time.Time        `json:"createdAt"`
}

// Backend persists protocol revisions. Saves append; nothing is rewritten.
type Backend interface {
	// Save appends p as a new revision under p.ID and p.Version.
	Save(ctx context.Context, p *domain.Protocol) error

	// List returns the latest revision of every protocol in the order the
	// protocols were first saved.
	List(ctx context.Context) ([]*domain.Protocol, error)

	// Versions returns every revision of a protocol, oldest first.
	Versions(ctx context.Context, id string) ([]Version, error)

	// Delete removes a protocol and its history.
	Delete(ctx context.Context, id string) error

	// Close releases backend resources.
	Close() error
}

// Export is the JSON document produced by ExportJSON.
type Export struct {
	Version    string             `json:"version"`
	ExportedAt time.Time          `json:"exported_at"`
	Count      int                `json:"count"`
	Protocols  []*domain.Protocol `json:"protocols"`
}

func encodeProtocol(p *domain.Protocol) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode protocol %s: %w", p.ID, err)
	}
	return string(data), nil
}

func decodeProtocol(document string) (*domain.Protocol, error) {
	var p domain.Protocol
	if err := json.Unmarshal([]byte(document), &p); err != nil {
		return nil, fmt.Errorf("failed to decode protocol: %w", err)
	}
	return &p, nil
}

// OpenBackend opens the Postgres backend when databaseURL is set and the
// embedded SQLite backend at sqlitePath otherwise.
func OpenBackend(databaseURL, sqlitePath string) (Backend, error) {
	if databaseURL != "" {
		return NewPostgresBackendFromURL(databaseURL)
	}
	return NewSQLiteBackend(sqlitePath)
}
