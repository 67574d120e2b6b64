// Package schema describes tool parameters as JSON Schema objects.
package schema

import "encoding/json"

type SchemaType string

const (
	String  SchemaType = "string"
	Integer SchemaType = "integer"
	Number  SchemaType = "number"
	Boolean SchemaType = "boolean"
	Array   SchemaType = "array"
	Object  SchemaType = "object"
)

// Schema describes the structure of a JSON object.
type Schema struct {
	Type                 SchemaType           `json:"type"`
	Properties           map[string]*Property `json:"properties"`
	Required             []string             `json:"required,omitempty"`
	AdditionalProperties *bool                `json:"additionalProperties,omitempty"`
}

// Property of a schema.
type Property struct {
	Type        SchemaType           `json:"type"`
	Description string               `json:"description,omitempty"`
	Enum        []string             `json:"enum,omitempty"`
	Items       *Property            `json:"items,omitempty"`
	Required    []string             `json:"required,omitempty"`
	Properties  map[string]*Property `json:"properties,omitempty"`
}

// Empty returns an object schema with no parameters.
func Empty() *Schema {
	return &Schema{Type: Object, Properties: map[string]*Property{}}
}

// AsMap returns the schema as a generic map, the form most provider SDKs
// accept for function parameters.
func (s *Schema) AsMap() map[string]any {
	if s == nil {
		s = Empty()
	}
	data, err := json.Marshal(s)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"type": "object"}
	}
	if out["properties"] == nil {
		out["properties"] = map[string]any{}
	}
	return out
}

// IsRequired reports whether name is listed in the required properties.
func (s *Schema) IsRequired(name string) bool {
	for _, r := range s.Required {
		if r == name {
			return true
		}
	}
	return false
}
