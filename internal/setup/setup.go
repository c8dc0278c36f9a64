// Package setup provides the operator tooling of the hanging protocol
// servers: Claude Desktop registration, the hpctl command tree and the
// shared service wiring of the full servers.
package setup

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/hanging-protocol-server/internal/config"
)

// ServerName is the key the lite server is registered under.
const ServerName = "hanging-protocols"

// ClaudeDesktopConfig represents the Claude Desktop configuration file structure.
type ClaudeDesktopConfig struct {
	MCPServers map[string]MCPServerConfig `json:"mcpServers"`
}

// MCPServerConfig represents a single MCP server configuration.
type MCPServerConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// SetupOptions contains options for the setup process.
type SetupOptions struct {
	ServerType   string // "lite" or "full"
	BinaryPath   string // Path to the server binary
	ConfigPath   string // Claude Desktop config file; detected when empty
	DataDir      string // Data directory for lite server
	ProtocolsDir string // Protocol definitions imported at startup
	DICOMwebURL  string // QIDO-RS base URL
	DICOMDir     string // Directory of DICOM files
}

// GetClaudeDesktopConfigPath returns the path to Claude Desktop's config file.
func GetClaudeDesktopConfigPath() (string, error) {
	var configDir string

	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, "Library", "Application Support", "Claude")
	case "linux":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		// Try XDG config first, then fallback
		xdgConfig := os.Getenv("XDG_CONFIG_HOME")
		if xdgConfig != "" {
			configDir = filepath.Join(xdgConfig, "Claude")
		} else {
			configDir = filepath.Join(home, ".config", "Claude")
		}
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("APPDATA environment variable not set")
		}
		configDir = filepath.Join(appData, "Claude")
	default:
		return "", fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}

	return filepath.Join(configDir, "claude_desktop_config.json"), nil
}

// LoadClaudeDesktopConfig loads the existing Claude Desktop configuration.
func LoadClaudeDesktopConfig(configPath string) (*ClaudeDesktopConfig, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &ClaudeDesktopConfig{MCPServers: make(map[string]MCPServerConfig)}, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg ClaudeDesktopConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.MCPServers == nil {
		cfg.MCPServers = make(map[string]MCPServerConfig)
	}
	return &cfg, nil
}

// SaveClaudeDesktopConfig saves the configuration to the Claude Desktop config file.
func SaveClaudeDesktopConfig(configPath string, cfg *ClaudeDesktopConfig) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ConfigureClaudeDesktop adds or updates the hanging protocol server entry,
// keeping every other configured server.
func ConfigureClaudeDesktop(opts SetupOptions) (string, error) {
	configPath := opts.ConfigPath
	if configPath == "" {
		detected, err := GetClaudeDesktopConfigPath()
		if err != nil {
			return "", err
		}
		configPath = detected
	}

	cfg, err := LoadClaudeDesktopConfig(configPath)
	if err != nil {
		return "", err
	}

	binaryPath := opts.BinaryPath
	if binaryPath == "" {
		binaryPath, err = findBinary(opts.ServerType)
		if err != nil {
			return "", fmt.Errorf("could not find server binary: %w", err)
		}
	}

	env := make(map[string]string)
	for key, value := range map[string]string{
		"HP_DATA_DIR":      opts.DataDir,
		"HP_PROTOCOLS_DIR": opts.ProtocolsDir,
		"HP_DICOMWEB_URL":  opts.DICOMwebURL,
		"HP_DICOM_DIR":     opts.DICOMDir,
	} {
		if value != "" {
			env[key] = value
		}
	}

	cfg.MCPServers[ServerName] = MCPServerConfig{Command: binaryPath, Env: env}
	if err := SaveClaudeDesktopConfig(configPath, cfg); err != nil {
		return "", err
	}
	return configPath, nil
}

// findBinary attempts to find the server binary in common locations.
func findBinary(serverType string) (string, error) {
	binaryName := "mcp-server-lite"
	if serverType == "full" {
		binaryName = "mcp-server"
	}

	if path, err := exec.LookPath(binaryName); err == nil {
		return path, nil
	}

	home, _ := os.UserHomeDir()
	locations := []string{
		"./" + binaryName,
		"./build/" + binaryName,
		filepath.Join(home, ".local", "bin", binaryName),
		"/usr/local/bin/" + binaryName,
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			if abs, err := filepath.Abs(loc); err == nil {
				return abs, nil
			}
			return loc, nil
		}
	}

	return "", fmt.Errorf("binary '%s' not found in common locations", binaryName)
}

// Status represents the current setup status.
type Status struct {
	ClaudeDesktopPath       string
	ClaudeDesktopConfigured bool
	ServerPath              string
	DataDir                 string
	ProtocolDBPresent       bool
	Issues                  []string
}

// GetStatus inspects the Claude Desktop registration and the data directory.
// An empty configPath is detected.
func GetStatus(configPath string) *Status {
	status := &Status{}

	if configPath == "" {
		detected, err := GetClaudeDesktopConfigPath()
		if err != nil {
			status.Issues = append(status.Issues, fmt.Sprintf("Could not determine Claude Desktop config path: %v", err))
		}
		configPath = detected
	}
	status.ClaudeDesktopPath = configPath

	lite := &config.LiteConfig{DataDir: GetDefaultDataDir()}
	if configPath != "" {
		cfg, err := LoadClaudeDesktopConfig(configPath)
		if err != nil {
			status.Issues = append(status.Issues, fmt.Sprintf("Could not load Claude Desktop config: %v", err))
		} else if server, ok := cfg.MCPServers[ServerName]; ok {
			status.ClaudeDesktopConfigured = true
			status.ServerPath = server.Command
			if _, err := os.Stat(server.Command); err != nil {
				status.Issues = append(status.Issues, fmt.Sprintf("Server binary not found at: %s", server.Command))
			}
			if dir := server.Env["HP_DATA_DIR"]; dir != "" {
				lite.DataDir = dir
			}
		}
	}

	status.DataDir = lite.DataDir
	if _, err := os.Stat(lite.ProtocolDBPath()); err == nil {
		status.ProtocolDBPresent = true
	}
	return status
}

// GetDefaultDataDir returns the default data directory path.
func GetDefaultDataDir() string {
	return config.DefaultLiteConfig().DataDir
}
