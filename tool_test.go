package forge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/deepnoodle-ai/forge/schema"
	"github.com/stretchr/testify/require"
)

type echoInput struct {
	Text string `json:"text"`
}

type echoTool struct {
	err   error
	panic bool
}

func (t *echoTool) Name() string                  { return "echo" }
func (t *echoTool) Description() string           { return "Echo the input" }
func (t *echoTool) Schema() *schema.Schema        { return schema.Empty() }
func (t *echoTool) Annotations() *ToolAnnotations { return &ToolAnnotations{ReadOnlyHint: true} }

func (t *echoTool) Call(ctx context.Context, input *echoInput) (*ToolResult, error) {
	if t.panic {
		panic("kaboom")
	}
	if t.err != nil {
		return nil, t.err
	}
	return NewToolResultText(input.Text), nil
}

func TestToolAdapterDecodesInput(t *testing.T) {
	tool := ToolAdapter[*echoInput](&echoTool{})
	ctx := context.Background()

	for _, input := range []any{
		json.RawMessage(`{"text":"hi"}`),
		[]byte(`{"text":"hi"}`),
		`{"text":"hi"}`,
		map[string]any{"text": "hi"},
		&echoInput{Text: "hi"},
	} {
		result, err := tool.Call(ctx, input)
		require.NoError(t, err)
		require.False(t, result.IsError)
		require.Equal(t, "hi", result.Text())
	}

	result, err := tool.Call(ctx, json.RawMessage(`{"text":`))
	require.NoError(t, err)
	require.True(t, result.IsError)
	require.Contains(t, result.Text(), "invalid json for tool echo")

	result, err = tool.Call(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, "", result.Text())
}

func TestCallToolNeverFails(t *testing.T) {
	ctx := context.Background()

	result := CallTool(ctx, ToolAdapter[*echoInput](&echoTool{err: errors.New("disk full")}), `{}`)
	require.True(t, result.IsError)
	require.Equal(t, "Tool execution error: disk full", result.Text())

	result = CallTool(ctx, ToolAdapter[*echoInput](&echoTool{panic: true}), `{}`)
	require.True(t, result.IsError)
	require.Contains(t, result.Text(), "panicked")
}
