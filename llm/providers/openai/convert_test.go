package openai

import (
	"encoding/json"
	"testing"

	"github.com/deepnoodle-ai/forge/llm"
	"github.com/deepnoodle-ai/forge/schema"
	"github.com/stretchr/testify/require"
)

type fakeTool struct{}

func (fakeTool) Name() string        { return "read_file" }
func (fakeTool) Description() string { return "Read the page" }
func (fakeTool) Schema() *schema.Schema {
	return &schema.Schema{Type: schema.Object, Properties: map[string]*schema.Property{}}
}

func TestEncodeMessages(t *testing.T) {
	items, err := encodeMessages([]*llm.Message{
		llm.NewUserTextMessage("hello"),
		{Role: llm.Assistant, Content: []*llm.Content{
			{Type: llm.ContentTypeText, Text: "reading"},
			{Type: llm.ContentTypeToolUse, ID: "call_1", Name: "read_file", Input: json.RawMessage(`{}`)},
		}},
		llm.NewToolResultMessage(&llm.ToolResult{ToolUseID: "call_1", Output: "contents"}),
	})
	require.NoError(t, err)
	require.Len(t, items, 4)
	require.NotNil(t, items[1].OfOutputMessage)
	require.NotNil(t, items[2].OfFunctionCall)
	require.Equal(t, "read_file", items[2].OfFunctionCall.Name)
	require.NotNil(t, items[3].OfFunctionCallOutput)
	require.Equal(t, "call_1", items[3].OfFunctionCallOutput.CallID)
}

func TestEncodeMessagesRejectsUnknownRole(t *testing.T) {
	_, err := encodeMessages([]*llm.Message{{Role: "system", Content: []*llm.Content{{Type: llm.ContentTypeText, Text: "x"}}}})
	require.ErrorContains(t, err, "unknown message role")
}

func TestBuildRequestParams(t *testing.T) {
	p := New(WithAPIKey("test"), WithModel("gpt-test"))
	params, err := p.buildRequestParams(
		[]*llm.Message{llm.NewUserTextMessage("hi")},
		llm.NewConfig(llm.WithTools(fakeTool{}), llm.WithToolChoice(llm.ToolChoiceNone), llm.WithSystemPrompt("be brief")),
	)
	require.NoError(t, err)
	require.Equal(t, "gpt-test", string(params.Model))
	require.Len(t, params.Tools, 1)
	require.Equal(t, "read_file", params.Tools[0].OfFunction.Name)
	require.Equal(t, "be brief", params.Instructions.Value)
	require.Equal(t, int64(DefaultMaxTokens), params.MaxOutputTokens.Value)
}
