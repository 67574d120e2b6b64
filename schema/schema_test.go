package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSchemaJSON(t *testing.T) {
	s := &Schema{
		Type:     Object,
		Required: []string{"files"},
		Properties: map[string]*Property{
			"files": {
				Type:        Array,
				Description: "Files to write",
				Items: &Property{
					Type:     Object,
					Required: []string{"path", "data"},
					Properties: map[string]*Property{
						"path": {Type: String},
						"data": {Type: String},
					},
				},
			},
		},
	}
	data, err := json.Marshal(s)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"type": "object",
		"required": ["files"],
		"properties": {
			"files": {
				"type": "array",
				"description": "Files to write",
				"items": {
					"type": "object",
					"required": ["path", "data"],
					"properties": {"path": {"type": "string"}, "data": {"type": "string"}}
				}
			}
		}
	}`, string(data))
	require.True(t, s.IsRequired("files"))
	require.False(t, s.IsRequired("path"))
}

func TestAsMap(t *testing.T) {
	m := Empty().AsMap()
	require.Equal(t, "object", m["type"])
	require.Equal(t, map[string]any{}, m["properties"])

	var nilSchema *Schema
	require.Equal(t, "object", nilSchema.AsMap()["type"])

	m = (&Schema{Type: Object, Properties: map[string]*Property{"path": {Type: String, Description: "p"}}}).AsMap()
	props := m["properties"].(map[string]any)
	require.Equal(t, map[string]any{"type": "string", "description": "p"}, props["path"])
}
