package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// DefinitionSchema is the JSON schema every definition file must satisfy
const DefinitionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "steps"],
  "additionalProperties": false,
  "properties": {
    "id": {"type": "string", "pattern": "^[a-zA-Z0-9_-]+$", "maxLength": 128},
    "name": {"type": "string"},
    "description": {"type": "string"},
    "steps": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["agent_ref"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "pattern": "^[A-Za-z0-9_]+$"},
          "agent_ref": {"type": "string", "pattern": "^[a-zA-Z0-9_-]+$", "maxLength": 128},
          "delay_minutes": {"type": "integer", "minimum": 0},
          "message_template": {"type": "string"}
        }
      }
    }
  }
}`

var definitionSchema = gojsonschema.NewStringLoader(DefinitionSchema)

// IsDefinitionFile reports whether path has a supported extension
func IsDefinitionFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// LoadFile reads one definition from a JSON or YAML file and validates it
// against DefinitionSchema.
func LoadFile(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("failed to read pipeline file: %w", err)
	}

	var def Definition
	var doc interface{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return Definition{}, fmt.Errorf("%s: failed to parse JSON: %w", path, err)
		}
		if err := json.Unmarshal(data, &def); err != nil {
			return Definition{}, fmt.Errorf("%s: failed to parse JSON: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return Definition{}, fmt.Errorf("%s: failed to parse YAML: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &def); err != nil {
			return Definition{}, fmt.Errorf("%s: failed to parse YAML: %w", path, err)
		}
	default:
		return Definition{}, fmt.Errorf("unsupported pipeline file format: %s (supported: .json, .yaml, .yml)", path)
	}

	if err := validateSchema(doc); err != nil {
		return Definition{}, fmt.Errorf("%s: %w", path, err)
	}

	def.Normalize()
	if err := def.Validate(); err != nil {
		return Definition{}, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// LoadDir loads every definition file in dir. Any invalid file or duplicate
// id fails the whole load.
func LoadDir(dir string) ([]Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipelines directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") || !IsDefinitionFile(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	defs := make([]Definition, 0, len(names))
	seen := make(map[string]string, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		def, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		if other, dup := seen[def.ID]; dup {
			return nil, fmt.Errorf("%w: pipeline id %s defined in both %s and %s", ErrInvalidDefinition, def.ID, other, name)
		}
		seen[def.ID] = name
		defs = append(defs, def)
	}
	return defs, nil
}

func validateSchema(doc interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	result, err := gojsonschema.Validate(definitionSchema, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalidDefinition, strings.Join(msgs, "; "))
	}
	return nil
}
