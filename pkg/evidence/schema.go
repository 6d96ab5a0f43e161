package evidence

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrUnknownSchema is returned by Validate when a record names a schema this
// package does not ship, or names none at all.
var ErrUnknownSchema = errors.New("evidence: unknown schema")

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://frame-shield.local/schemas/"

var compiledSchemas = sync.OnceValues(compileSchemas)

func compileSchemas() (map[string]*jsonschema.Schema, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("read embedded schemas: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		raw, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", e.Name(), err)
		}
		if err := compiler.AddResource(schemaBaseURL+e.Name(), bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", e.Name(), err)
		}
		names = append(names, e.Name())
	}
	out := make(map[string]*jsonschema.Schema, len(names))
	for _, name := range names {
		s, err := compiler.Compile(schemaBaseURL + name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		out[strings.TrimSuffix(name, ".json")] = s
	}
	return out, nil
}

// Schemas lists the schema identifiers Validate understands.
func Schemas() []string {
	return []string{SchemaPrediction, SchemaGuardTelemetry, SchemaCascade, SchemaCascadeTelem, SchemaPolicy}
}

// Validate checks one JSONL record against the embedded JSON Schema named by
// its "schema" field and returns that name.
func Validate(line []byte) (string, error) {
	schemas, err := compiledSchemas()
	if err != nil {
		return "", err
	}

	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		return "", fmt.Errorf("decode record: %w", err)
	}
	if dec.More() {
		return "", errors.New("decode record: trailing data after object")
	}
	obj, ok := payload.(map[string]any)
	if !ok {
		return "", errors.New("decode record: not a JSON object")
	}
	name, _ := obj["schema"].(string)
	s, ok := schemas[name]
	if !ok {
		return name, fmt.Errorf("%w: %q", ErrUnknownSchema, name)
	}
	if err := s.Validate(payload); err != nil {
		return name, fmt.Errorf("%s: %w", name, err)
	}
	return name, nil
}
