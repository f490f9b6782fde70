package streams

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// Event types published by the pipeline.
const (
	EventGenerationStage    = "generation.stage"
	EventGenerationFinished = "generation.finished"
)

// Definition describes a schema entry managed by the registry.
type Definition struct {
	EventType string
	Version   string
	Schema    []byte
}

var baseDefinitions = []Definition{
	{
		EventType: EventGenerationStage,
		Version:   "v1",
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["generation_id", "stage", "status", "at"],
  "properties": {
    "generation_id": {"type": "string", "minLength": 1},
    "stage": {"type": "string", "enum": ["planning", "sourcing", "coding", "debugging", "saving"]},
    "status": {"type": "string", "enum": ["started", "completed", "failed"]},
    "message": {"type": "string"},
    "artifact_bytes": {"type": "integer", "minimum": 0},
    "at": {"type": "string", "format": "date-time"}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: EventGenerationFinished,
		Version:   "v1",
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["generation_id", "status"],
  "properties": {
    "generation_id": {"type": "string", "minLength": 1},
    "status": {"type": "string", "enum": ["success", "failure", "failed"]},
    "error": {"type": "string"},
    "output_path": {"type": "string"},
    "iterations": {"type": "integer", "minimum": 0}
  },
  "additionalProperties": true
}`),
	},
}

// SchemaRegistry stores compiled JSON Schemas keyed by event type and payload version.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]map[string]*jsonschema.Schema
}

// NewSchemaRegistry constructs an empty registry instance.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]map[string]*jsonschema.Schema)}
}

// NewBaseRegistry returns a registry holding the built-in event schemas.
func NewBaseRegistry() (*SchemaRegistry, error) {
	reg := NewSchemaRegistry()
	for _, def := range baseDefinitions {
		if err := reg.Register(def.EventType, def.Version, def.Schema); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", def.EventType, def.Version, err)
		}
	}
	return reg, nil
}

// Register compiles and stores a JSON schema for the given event type and version.
func (r *SchemaRegistry) Register(eventType, version string, schemaBytes []byte) error {
	if eventType == "" || version == "" {
		return fmt.Errorf("event type and version must be provided")
	}
	if len(schemaBytes) == 0 {
		return fmt.Errorf("schema for %s %s is empty", eventType, version)
	}

	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	url := eventType + "." + version + ".json"
	if err := compiler.AddResource(url, bytes.NewReader(schemaBytes)); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.schemas[eventType]; !ok {
		r.schemas[eventType] = make(map[string]*jsonschema.Schema)
	}
	r.schemas[eventType][version] = compiled
	return nil
}

// Validate checks payload bytes against the registered schema for event type/version.
func (r *SchemaRegistry) Validate(eventType, version string, payload []byte) error {
	r.mu.RLock()
	schema, ok := r.schemas[eventType][version]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no schema registered for event %q version %q", eventType, version)
	}
	if len(payload) == 0 {
		return fmt.Errorf("payload is empty")
	}

	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("payload validation failed: %w", err)
	}
	return nil
}
