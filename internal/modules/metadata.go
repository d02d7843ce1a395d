package modules

import (
	"encoding/json"

	"github.com/fabricmesh/warden/internal/schema"
)

const metadataSchemaName = "external_module_metadata"

// Metadata is the self-description an external executable prints when
// probed with the "metadata" argument.
type Metadata struct {
	Description   string          `json:"description"`
	Configuration json.RawMessage `json:"configuration,omitempty"`
	Actions       []ActionMetadata `json:"actions"`
}

// ActionMetadata declares one action together with its input and result
// schemas.
type ActionMetadata struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Input       json.RawMessage `json:"input"`
	Results     json.RawMessage `json:"results"`
}

var metadataSchemaDoc = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"description":   map[string]any{"type": "string"},
		"configuration": map[string]any{"type": "object"},
		"actions": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":        map[string]any{"type": "string"},
					"description": map[string]any{"type": "string"},
					"input":       map[string]any{"type": "object"},
					"results":     map[string]any{"type": "object"},
				},
				"required": []any{"name", "input", "results"},
			},
		},
	},
	"required": []any{"description", "actions"},
}

// metadataValidator holds the module-metadata schema. It is built once
// and never mutated afterwards.
var metadataValidator = newMetadataValidator()

func newMetadataValidator() *schema.Validator {
	v := schema.NewValidator()
	if err := v.RegisterGo(metadataSchemaName, metadataSchemaDoc); err != nil {
		panic("modules: metadata schema failed to compile: " + err.Error())
	}
	return v
}
