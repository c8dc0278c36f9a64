package protocolstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/hanging-protocol-server/internal/domain"
)

// Format names a protocol definition file syntax.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatFor picks the format from a file extension.
func FormatFor(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, true
	case ".yaml", ".yml":
		return FormatYAML, true
	case ".toml":
		return FormatTOML, true
	}
	return "", false
}

// LoadPath loads protocols from a file or from every definition file in a
// directory, in file name order.
func LoadPath(path string) ([]*domain.Protocol, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return LoadFile(path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", path, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := FormatFor(e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var all []*domain.Protocol
	for _, name := range names {
		protocols, err := LoadFile(filepath.Join(path, name))
		if err != nil {
			return nil, err
		}
		all = append(all, protocols...)
	}
	return all, nil
}

// LoadFile loads the protocols defined in one file.
func LoadFile(path string) ([]*domain.Protocol, error) {
	format, ok := FormatFor(path)
	if !ok {
		return nil, fmt.Errorf("unsupported protocol file %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	protocols, err := ParseProtocols(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return protocols, nil
}

// ParseProtocols decodes a single protocol, a list of protocols, or a
// document with a top-level "protocols" list. YAML and TOML are converted
// to JSON first so every format shares the same field names.
func ParseProtocols(data []byte, format Format) ([]*domain.Protocol, error) {
	switch format {
	case FormatJSON:
	case FormatYAML:
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode YAML: %w", err)
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to convert YAML: %w", err)
		}
		data = converted
	case FormatTOML:
		var doc map[string]any
		if _, err := toml.Decode(string(data), &doc); err != nil {
			return nil, fmt.Errorf("failed to decode TOML: %w", err)
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to convert TOML: %w", err)
		}
		data = converted
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}

	if data[0] == '[' {
		var list []*domain.Protocol
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("failed to decode protocols: %w", err)
		}
		return list, nil
	}

	var wrapper struct {
		Protocols []*domain.Protocol `json:"protocols"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("failed to decode protocols: %w", err)
	}
	if wrapper.Protocols != nil {
		return wrapper.Protocols, nil
	}

	var single domain.Protocol
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("failed to decode protocol: %w", err)
	}
	return []*domain.Protocol{&single}, nil
}
