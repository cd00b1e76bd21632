package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Load reads a YAML configuration document from path, validates it against
// schemaJSON, and returns the typed, defaulted Config. Any schema violation
// or malformed document is returned as an error — configuration problems
// are a startup failure, never a runtime surprise.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse validates and decodes a YAML document already in memory.
func Parse(data []byte) (Config, error) {
	if err := validate(data); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// validate decodes the YAML document into a JSON-Schema-compatible value
// (round-tripping through encoding/json so number types match what
// jsonschema expects) and validates it against schemaJSON.
func validate(data []byte) error {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	jsonBytes, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("normalize config for validation: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(jsonBytes, &doc); err != nil {
		return fmt.Errorf("normalize config for validation: %w", err)
	}

	schema, err := compileSchema()
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("config does not satisfy schema: %s", summarizeSchemaError(err))
	}
	return nil
}

func compileSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("mission-config-schema.json", strings.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	return compiler.Compile("mission-config-schema.json")
}

func summarizeSchemaError(err error) string {
	if ve, ok := err.(*jsonschema.ValidationError); ok {
		return ve.Error()
	}
	return err.Error()
}
