package google

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/forge/llm"
	"github.com/deepnoodle-ai/forge/retry"
	"github.com/deepnoodle-ai/forge/schema"
	"google.golang.org/genai"
)

// encodeMessages converts messages to genai contents. Gemini uses the role
// "model" for assistant turns.
func encodeMessages(messages []*llm.Message) ([]*genai.Content, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("no messages provided")
	}
	toolNames := map[string]string{}
	contents := make([]*genai.Content, 0, len(messages))
	for i, message := range messages {
		if len(message.Content) == 0 {
			return nil, fmt.Errorf("empty message detected (index %d)", i)
		}
		role := "user"
		if message.Role == llm.Assistant {
			role = "model"
		}
		content := &genai.Content{Role: role}
		for _, c := range message.Content {
			switch c.Type {
			case llm.ContentTypeText:
				content.Parts = append(content.Parts, genai.NewPartFromText(c.Text))
			case llm.ContentTypeToolUse:
				toolNames[c.ID] = c.Name
				args := map[string]any{}
				if len(c.Input) > 0 {
					if err := json.Unmarshal(c.Input, &args); err != nil {
						return nil, fmt.Errorf("invalid tool input for %s: %w", c.Name, err)
					}
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{ID: c.ID, Name: c.Name, Args: args},
				})
			case llm.ContentTypeToolResult:
				name := c.Name
				if name == "" {
					name = toolNames[c.ToolUseID]
				}
				if name == "" {
					return nil, fmt.Errorf("tool use not found for tool result: %s", c.ToolUseID)
				}
				key := "output"
				if c.IsError {
					key = "error"
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionResponse: &genai.FunctionResponse{
						ID:       c.ToolUseID,
						Name:     name,
						Response: map[string]any{key: c.Content},
					},
				})
			}
		}
		contents = append(contents, content)
	}
	return contents, nil
}

func decodeResponse(resp *genai.GenerateContentResponse, model string) (*llm.Response, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, retry.NewRecoverableError(llm.ErrNoResponse)
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil {
		return nil, retry.NewRecoverableError(llm.ErrNoResponse)
	}
	var content []*llm.Content
	for i, part := range candidate.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			args, err := json.Marshal(part.FunctionCall.Args)
			if err != nil {
				return nil, fmt.Errorf("error marshaling function call args: %w", err)
			}
			id := part.FunctionCall.ID
			if id == "" {
				id = fmt.Sprintf("call_%d_%s", i, part.FunctionCall.Name)
			}
			content = append(content, &llm.Content{
				Type:  llm.ContentTypeToolUse,
				ID:    id,
				Name:  part.FunctionCall.Name,
				Input: args,
			})
		case part.Thought && part.Text != "":
			content = append(content, &llm.Content{Type: llm.ContentTypeThinking, Text: part.Text})
		case part.Text != "":
			content = append(content, &llm.Content{Type: llm.ContentTypeText, Text: part.Text})
		}
	}
	var usage llm.Usage
	if resp.UsageMetadata != nil {
		usage = llm.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	stopReason := "other"
	switch candidate.FinishReason {
	case genai.FinishReasonStop:
		stopReason = "stop"
	case genai.FinishReasonMaxTokens:
		stopReason = "max_tokens"
	}
	if len(content) > 0 && content[len(content)-1].Type == llm.ContentTypeToolUse {
		stopReason = "tool_use"
	}
	return &llm.Response{
		ID:         resp.ResponseID,
		Model:      model,
		Role:       llm.Assistant,
		StopReason: stopReason,
		Content:    content,
		Usage:      usage,
	}, nil
}

func encodeSchema(s *schema.Schema) *genai.Schema {
	if s == nil {
		s = schema.Empty()
	}
	out := &genai.Schema{
		Type:     genaiType(s.Type),
		Required: s.Required,
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for name, prop := range s.Properties {
			out.Properties[name] = encodeProperty(prop)
		}
	}
	return out
}

func encodeProperty(prop *schema.Property) *genai.Schema {
	if prop == nil {
		return nil
	}
	out := &genai.Schema{
		Type:        genaiType(prop.Type),
		Description: prop.Description,
		Enum:        prop.Enum,
		Required:    prop.Required,
		Items:       encodeProperty(prop.Items),
	}
	if len(prop.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(prop.Properties))
		for name, nested := range prop.Properties {
			out.Properties[name] = encodeProperty(nested)
		}
	}
	return out
}

func genaiType(t schema.SchemaType) genai.Type {
	return genai.Type(strings.ToUpper(string(t)))
}
