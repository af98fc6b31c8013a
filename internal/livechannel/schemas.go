package livechannel

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Mutation payloads are validated against JSON Schemas before they reach the
// store. Invalid payloads are rejected with an error envelope and never abort
// the connection.

const layoutUpdateSchema = `{
	"type": "object",
	"properties": {
		"updates": {
			"type": "object",
			"additionalProperties": {
				"type": "array",
				"items": {"type": "string"}
			}
		},
		"layout": {
			"type": "object",
			"additionalProperties": {
				"type": "array",
				"items": {"type": "string"}
			}
		},
		"fullReplacement": {"type": "boolean"},
		"updatedAt": {"type": "integer", "minimum": 0},
		"sourceId": {"type": "string"}
	},
	"anyOf": [
		{"required": ["updates"]},
		{"required": ["layout"]}
	],
	"additionalProperties": false
}`

const visibilityUpdateSchema = `{
	"type": "object",
	"properties": {
		"hiddenWidgetIds": {
			"type": "array",
			"items": {"type": "string"}
		},
		"widgetId": {"type": "string", "minLength": 1},
		"hidden": {"type": "boolean"},
		"sourceId": {"type": "string"}
	},
	"anyOf": [
		{"required": ["hiddenWidgetIds"]},
		{"required": ["widgetId", "hidden"]}
	],
	"additionalProperties": false
}`

const sizeUpdateSchema = `{
	"type": "object",
	"properties": {
		"widgetId": {"type": "string", "minLength": 1},
		"size": {"type": "string"},
		"sizes": {
			"type": "object",
			"additionalProperties": {"type": "string"}
		},
		"sourceId": {"type": "string"}
	},
	"anyOf": [
		{"required": ["sizes"]},
		{"required": ["widgetId", "size"]}
	],
	"additionalProperties": false
}`

var (
	schemaOnce    sync.Once
	schemaErr     error
	schemaByType  map[string]*jsonschema.Schema
	schemaSources = map[string]string{
		TypeLayoutUpdate:     layoutUpdateSchema,
		TypeVisibilityUpdate: visibilityUpdateSchema,
		TypeSizeUpdate:       sizeUpdateSchema,
	}
)

func compileSchemas() {
	compiler := jsonschema.NewCompiler()
	compiled := make(map[string]*jsonschema.Schema, len(schemaSources))
	for msgType, source := range schemaSources {
		name := msgType + ".json"
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
		if err != nil {
			schemaErr = fmt.Errorf("parse schema %s: %w", name, err)
			return
		}
		if err := compiler.AddResource(name, doc); err != nil {
			schemaErr = fmt.Errorf("add schema %s: %w", name, err)
			return
		}
		schema, err := compiler.Compile(name)
		if err != nil {
			schemaErr = fmt.Errorf("compile schema %s: %w", name, err)
			return
		}
		compiled[msgType] = schema
	}
	schemaByType = compiled
}

// ValidateMutation checks a mutation payload against the schema for its
// message type. Types without a schema pass through.
func ValidateMutation(msgType string, data []byte) error {
	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return schemaErr
	}
	schema, ok := schemaByType[msgType]
	if !ok {
		return nil
	}
	if len(data) == 0 {
		return fmt.Errorf("%s: missing payload", msgType)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%s: %w", msgType, err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%s: %w", msgType, err)
	}
	return nil
}
