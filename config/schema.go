// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON []byte

// ValidateWithSchema validates a configuration file against the embedded
// JSON schema. Unlike Load it checks the file as written: unknown keys and
// malformed durations are reported before defaults or env overrides apply.
//
// Example usage:
//
//	if err := config.ValidateWithSchema("config.yaml"); err != nil {
//	    log.Fatal(err)
//	}
func ValidateWithSchema(configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	return ValidateBytesWithSchema(data)
}

// ValidateBytesWithSchema validates YAML (or JSON) config content.
func ValidateBytesWithSchema(data []byte) error {
	var configObj interface{}
	if err := yaml.Unmarshal(data, &configObj); err != nil {
		return fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if configObj == nil {
		configObj = map[string]interface{}{}
	}

	configJSON, err := json.Marshal(configObj)
	if err != nil {
		return fmt.Errorf("failed to convert config to JSON: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaJSON),
		gojsonschema.NewBytesLoader(configJSON),
	)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if !result.Valid() {
		return formatValidationErrors(result.Errors())
	}
	return nil
}

// formatValidationErrors formats JSON schema validation errors into a readable message
func formatValidationErrors(errs []gojsonschema.ResultError) error {
	if len(errs) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("configuration validation errors:\n")
	for i, err := range errs {
		fmt.Fprintf(&b, "  %d. %s: %s\n", i+1, err.Field(), err.Description())
	}
	return fmt.Errorf("%s", b.String())
}

// SchemaJSON returns the embedded JSON schema.
func SchemaJSON() string {
	return string(schemaJSON)
}
