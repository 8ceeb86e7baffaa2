package schema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed entities.schema.json
var entitiesSchemaJSON string

// EntityPayload is one validated {type, value} entry as produced by entity extraction.
type EntityPayload struct {
	Type  string
	Value string
}

var (
	compileOnce       sync.Once
	compiledSchema    *jsonschema.Schema
	compiledSchemaErr error
)

// ValidateEntities checks an entities column against the embedded schema.
// Null or empty payloads yield no entities and no error.
func ValidateEntities(payload json.RawMessage) ([]EntityPayload, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	value, err := decodeStrictJSON(trimmed)
	if err != nil {
		return nil, fmt.Errorf("decode entities JSON: %w", err)
	}

	schema, err := loadSchema()
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return nil, fmt.Errorf("entities schema validation failed: %w", err)
	}

	list, _ := value.([]any)
	out := make([]EntityPayload, 0, len(list))
	for _, raw := range list {
		obj, _ := raw.(map[string]any)
		entityType, _ := obj["type"].(string)
		entityValue := stringifyValue(obj["value"])
		if strings.TrimSpace(entityType) == "" || strings.TrimSpace(entityValue) == "" {
			continue
		}
		out = append(out, EntityPayload{Type: strings.TrimSpace(entityType), Value: entityValue})
	}
	return out, nil
}

func stringifyValue(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func loadSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020

		if err := compiler.AddResource("entities.schema.json", strings.NewReader(entitiesSchemaJSON)); err != nil {
			compiledSchemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}

		schema, err := compiler.Compile("entities.schema.json")
		if err != nil {
			compiledSchemaErr = fmt.Errorf("compile schema: %w", err)
			return
		}
		compiledSchema = schema
	})

	if compiledSchemaErr != nil {
		return nil, compiledSchemaErr
	}
	if compiledSchema == nil {
		return nil, fmt.Errorf("schema not initialized")
	}
	return compiledSchema, nil
}

func decodeStrictJSON(raw []byte) (any, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("payload contains trailing content")
	}
	return value, nil
}
