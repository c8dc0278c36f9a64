// Package config provides configuration management for the hanging
// protocol servers. This file contains the lightweight configuration for
// standalone operation.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hanging-protocol-server/internal/domain"
)

// LiteConfig is a simplified configuration for standalone operation.
// It requires no external services and uses sensible defaults.
type LiteConfig struct {
	// Data storage
	DataDir      string // Base directory for data files
	DatabaseURL  string // Optional: Postgres URL replacing the SQLite store
	ProtocolsDir string // Optional: protocol definition files imported at startup

	// Metadata sources
	DICOMwebURL   string // Optional: QIDO-RS base URL
	DICOMwebToken string // Optional: bearer token for the QIDO-RS server
	DICOMDir      string // Optional: directory of DICOM files

	// Cache settings
	CacheMaxItems int           // Maximum items in memory cache
	CacheTTL      time.Duration // Default cache TTL

	// Matching
	SessionLimit int // Maximum viewer sessions kept in memory
	MaxPriors    int // Priors fetched per match; negative skips priors

	// Transport settings
	Transport string // Transport type: stdio, http
	HTTPPort  int    // HTTP port (if transport is http)

	// Logging
	LogLevel  string // Log level: debug, info, warn, error
	LogFormat string // Log format: json, text
}

// DefaultLiteConfig returns a configuration with sensible defaults.
func DefaultLiteConfig() *LiteConfig {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".hanging-protocols")

	return &LiteConfig{
		DataDir:       dataDir,
		CacheMaxItems: 512,
		CacheTTL:      10 * time.Minute,
		SessionLimit:  64,
		MaxPriors:     3,
		Transport:     "stdio",
		HTTPPort:      8081,
		LogLevel:      "info",
		LogFormat:     "json",
	}
}

// LoadLiteConfig loads configuration from environment variables.
// Falls back to defaults if not set.
func LoadLiteConfig() *LiteConfig {
	cfg := DefaultLiteConfig()

	// Data storage
	if v := os.Getenv("HP_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	cfg.DatabaseURL = os.Getenv("HP_DATABASE_URL")
	cfg.ProtocolsDir = os.Getenv("HP_PROTOCOLS_DIR")

	// Metadata sources
	cfg.DICOMwebURL = os.Getenv("HP_DICOMWEB_URL")
	cfg.DICOMwebToken = os.Getenv("HP_DICOMWEB_TOKEN")
	cfg.DICOMDir = os.Getenv("HP_DICOM_DIR")

	// Cache settings
	if v := os.Getenv("HP_CACHE_MAX_ITEMS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CacheMaxItems = n
		}
	}
	if v := os.Getenv("HP_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CacheTTL = d
		}
	}
	if v := os.Getenv("HP_SESSION_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SessionLimit = n
		}
	}

	if v := os.Getenv("HP_MAX_PRIORS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxPriors = n
		}
	}

	// Transport
	if v := os.Getenv("HP_TRANSPORT"); v != "" {
		cfg.Transport = v
	}
	if v := os.Getenv("HP_HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.HTTPPort = n
		}
	}

	// Logging
	if v := os.Getenv("HP_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("HP_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	return cfg
}

// ProtocolDBPath returns the path to the protocol SQLite database.
func (c *LiteConfig) ProtocolDBPath() string {
	return filepath.Join(c.DataDir, "protocols.db")
}

// ExportDir returns the directory for JSON exports.
func (c *LiteConfig) ExportDir() string {
	return filepath.Join(c.DataDir, "exports")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *LiteConfig) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	return os.MkdirAll(c.ExportDir(), 0755)
}

// DICOMweb returns the metadata client settings.
func (c *LiteConfig) DICOMweb() domain.DICOMwebConfig {
	return domain.DICOMwebConfig{
		BaseURL:     c.DICOMwebURL,
		BearerToken: c.DICOMwebToken,
		Timeout:     15 * time.Second,
		RateLimit:   20,
		RetryCount:  2,
	}
}

// Cache returns the memory-only metadata cache settings.
func (c *LiteConfig) Cache() domain.CacheConfig {
	return domain.CacheConfig{MemorySize: c.CacheMaxItems, DefaultTTL: c.CacheTTL}
}

// Logging returns the logging settings. Logs go to stderr so they never mix
// with a stdio transport.
func (c *LiteConfig) Logging() domain.LoggingConfig {
	return domain.LoggingConfig{Level: c.LogLevel, Format: c.LogFormat, Output: "stderr"}
}
