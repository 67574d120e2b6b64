package google

import (
	"encoding/json"
	"testing"

	"github.com/deepnoodle-ai/forge/llm"
	"github.com/deepnoodle-ai/forge/schema"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func TestEncodeMessages(t *testing.T) {
	messages := []*llm.Message{
		llm.NewUserTextMessage("build a counter"),
		{Role: llm.Assistant, Content: []*llm.Content{
			{Type: llm.ContentTypeToolUse, ID: "c1", Name: "read_file", Input: json.RawMessage(`{"path":"src/App.jsx"}`)},
		}},
		llm.NewToolResultMessage(&llm.ToolResult{ToolUseID: "c1", Output: "export default App", IsError: false}),
	}
	contents, err := encodeMessages(messages)
	require.NoError(t, err)
	require.Len(t, contents, 3)
	require.Equal(t, "user", contents[0].Role)
	require.Equal(t, "model", contents[1].Role)
	require.Equal(t, "read_file", contents[1].Parts[0].FunctionCall.Name)
	require.Equal(t, "src/App.jsx", contents[1].Parts[0].FunctionCall.Args["path"])

	resp := contents[2].Parts[0].FunctionResponse
	require.NotNil(t, resp)
	require.Equal(t, "read_file", resp.Name)
	require.Equal(t, "export default App", resp.Response["output"])
}

func TestEncodeMessagesErrors(t *testing.T) {
	_, err := encodeMessages(nil)
	require.Error(t, err)

	_, err = encodeMessages([]*llm.Message{llm.NewToolResultMessage(&llm.ToolResult{ToolUseID: "missing"})})
	require.ErrorContains(t, err, "tool use not found")
}

func TestDecodeResponse(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			FinishReason: genai.FinishReasonStop,
			Content: &genai.Content{Parts: []*genai.Part{
				{Text: "Writing the page."},
				{FunctionCall: &genai.FunctionCall{Name: "create_file", Args: map[string]any{"content": "x"}}},
			}},
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{PromptTokenCount: 10, CandidatesTokenCount: 5},
	}
	out, err := decodeResponse(resp, "gemini-2.5-flash")
	require.NoError(t, err)
	require.Equal(t, "Writing the page.", out.Text())
	require.Equal(t, "tool_use", out.StopReason)
	calls := out.ToolCalls()
	require.Len(t, calls, 1)
	require.Equal(t, "call_1_create_file", calls[0].ID)
	require.JSONEq(t, `{"content":"x"}`, string(calls[0].Input))
	require.Equal(t, 10, out.Usage.InputTokens)

	_, err = decodeResponse(&genai.GenerateContentResponse{}, "m")
	require.ErrorIs(t, err, llm.ErrNoResponse)
}

func TestEncodeSchema(t *testing.T) {
	s := encodeSchema(&schema.Schema{
		Type:     schema.Object,
		Required: []string{"path"},
		Properties: map[string]*schema.Property{
			"path": {Type: schema.String, Description: "file path"},
		},
	})
	require.Equal(t, genai.TypeObject, s.Type)
	require.Equal(t, genai.TypeString, s.Properties["path"].Type)
	require.Equal(t, []string{"path"}, s.Required)
}
