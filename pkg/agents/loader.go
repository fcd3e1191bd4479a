package agents

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type fileFormat struct {
	Agents []Definition `json:"agents" yaml:"agents"`
}

// LoadFile reads agent definitions from a JSON or YAML file
func LoadFile(path string) ([]Definition, error) {
	if path == "" {
		return nil, fmt.Errorf("agents file path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agents file: %w", err)
	}

	var file fileFormat
	switch ext := filepath.Ext(path); ext {
	case ".json":
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse JSON agents file: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse YAML agents file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported agents file format: %s (supported: .json, .yaml, .yml)", ext)
	}

	seen := make(map[string]bool, len(file.Agents))
	for i, def := range file.Agents {
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("agent at index %d is invalid: %w", i, err)
		}
		if seen[def.ID] {
			return nil, fmt.Errorf("duplicate agent ID found: %s", def.ID)
		}
		seen[def.ID] = true
	}
	return file.Agents, nil
}
