package domain

import (
	"context"
)

// ProtocolProvider is the read side of the protocol registry consumed by the
// matching engine. Returned protocols must not be mutated by the caller.
type ProtocolProvider interface {
	GetProtocol(id string) (*Protocol, error)
	ListProtocols() []*Protocol
	DefaultProtocol() *Protocol
}

// ProtocolStore is the full registry: reads plus CRUD and readiness.
type ProtocolStore interface {
	ProtocolProvider
	AddProtocol(ctx context.Context, p *Protocol) (*Protocol, error)
	UpdateProtocol(ctx context.Context, id string, p *Protocol) (*Protocol, error)
	RemoveProtocol(ctx context.Context, id string) error
	OnReady(callback func())
}

// MetadataSource supplies studies with their display sets.
type MetadataSource interface {
	FetchStudy(ctx context.Context, studyInstanceUID string) (*Study, error)
	FetchPriors(ctx context.Context, patientID, excludeStudyUID string, limit int) ([]Study, error)
}

// BindingPublisher delivers the bindings of a completed pass to renderers.
type BindingPublisher interface {
	Publish(sessionID string, result *MatchResult) uint64
}

// ConfigManager defines the interface for configuration management
type ConfigManager interface {
	GetConfig() *Config
	GetDatabaseConfig() *DatabaseConfig
	GetServerConfig() *ServerConfig
	Reload() error
	Validate() error
	GetDatabaseConnectionString() string
	GetRedisConnectionString() string
	IsProduction() bool
	IsDevelopment() bool
}
