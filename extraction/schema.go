package extraction

import (
	"encoding/json"

	"github.com/google/jsonschema-go/jsonschema"
)

// Schema helpers for building tool argument schemas.

// ObjectSchema creates an object schema with the given properties.
func ObjectSchema(properties map[string]*jsonschema.Schema, required ...string) *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:       "object",
		Properties: properties,
		Required:   required,
	}
}

// StringProperty creates a string property.
func StringProperty(description string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Description: description}
}

// StringEnumProperty creates a string property with allowed values.
func StringEnumProperty(description string, values ...string) *jsonschema.Schema {
	enum := make([]any, len(values))
	for i, v := range values {
		enum[i] = v
	}
	return &jsonschema.Schema{Type: "string", Description: description, Enum: enum}
}

// NumberProperty creates a number property bounded to [lo, hi].
func NumberProperty(description string, lo, hi float64) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "number", Description: description, Minimum: &lo, Maximum: &hi}
}

// ArrayProperty creates an array property. maxItems <= 0 leaves it unbounded.
func ArrayProperty(description string, items *jsonschema.Schema, maxItems int) *jsonschema.Schema {
	s := &jsonschema.Schema{Type: "array", Description: description, Items: items}
	if maxItems > 0 {
		s.MaxItems = &maxItems
	}
	return s
}

// SchemaMap converts s to the plain map form the provider SDKs accept.
func SchemaMap(s *jsonschema.Schema) map[string]any {
	raw, err := json.Marshal(s)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// IntegerProperty creates an integer property.
func IntegerProperty(description string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "integer", Description: description}
}

// StringArrayProperty creates an array of strings.
func StringArrayProperty(description string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "array", Description: description, Items: &jsonschema.Schema{Type: "string"}}
}
