// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package definition loads experiment definitions from YAML or JSON files.
//
// A definition is checked in two passes. The document is first validated
// against an embedded JSON Schema so unknown keys and type mistakes are
// reported with their path. The decoded TestConfig is then run through
// experiments.ValidateConfig for the cross-field rules (weight sum, single
// control, unique IDs).
//
// Usage:
//
//	cfg, err := definition.Load("checkout.yaml")
//	if err != nil {
//	    return err
//	}
//	test, err := registry.CreateTest(ctx, *cfg)
package definition

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianExperiments/services/experiments"
)

//go:embed schema.json
var schemaJSON []byte

// ErrSchema wraps every SchemaError.
var ErrSchema = errors.New("definition does not match schema")

// SchemaError lists the schema violations of a definition.
type SchemaError struct {
	Problems []string
}

// Error implements error.
func (e *SchemaError) Error() string {
	return ErrSchema.Error() + ": " + strings.Join(e.Problems, "; ")
}

// Unwrap lets errors.Is match ErrSchema.
func (e *SchemaError) Unwrap() error {
	return ErrSchema
}

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	})
	return schema, schemaErr
}

// Schema returns the embedded JSON Schema document.
func Schema() []byte {
	return append([]byte(nil), schemaJSON...)
}

// Load reads and parses the definition at path.
func Load(path string) (*experiments.TestConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading definition %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("definition %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML or JSON definition, validates it and returns the
// TestConfig.
//
// Outputs:
//
//	*experiments.TestConfig - The decoded configuration.
//	error - *SchemaError for schema violations, *experiments.ValidationError
//	        for cross-field violations, or a decoding error.
func Parse(data []byte) (*experiments.TestConfig, error) {
	// JSON is a subset of YAML, so one decoder handles both.
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding definition: %w", err)
	}
	if doc == nil {
		return nil, &SchemaError{Problems: []string{"definition is empty"}}
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("converting definition to JSON: %w", err)
	}

	s, err := compiledSchema()
	if err != nil {
		return nil, fmt.Errorf("compiling definition schema: %w", err)
	}
	result, err := s.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return nil, fmt.Errorf("validating definition: %w", err)
	}
	if !result.Valid() {
		serr := &SchemaError{}
		for _, issue := range result.Errors() {
			serr.Problems = append(serr.Problems, issue.String())
		}
		return nil, serr
	}

	var cfg experiments.TestConfig
	if err := json.Unmarshal(payload, &cfg); err != nil {
		return nil, fmt.Errorf("decoding definition: %w", err)
	}
	if err := experiments.ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
