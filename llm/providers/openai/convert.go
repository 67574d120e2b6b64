package openai

import (
	"fmt"

	"github.com/deepnoodle-ai/forge/llm"
	"github.com/openai/openai-go/responses"
)

func encodeMessages(messages []*llm.Message) ([]responses.ResponseInputItemUnionParam, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("no messages provided")
	}
	items := make([]responses.ResponseInputItemUnionParam, 0, len(messages))
	for _, message := range messages {
		switch message.Role {
		case llm.Assistant:
			for _, c := range message.Content {
				switch c.Type {
				case llm.ContentTypeText:
					items = append(items, responses.ResponseInputItemParamOfOutputMessage(
						[]responses.ResponseOutputMessageContentUnionParam{{
							OfOutputText: &responses.ResponseOutputTextParam{Text: c.Text, Type: "output_text"},
						}}, "", ""))
				case llm.ContentTypeToolUse:
					if c.Name == "" {
						return nil, fmt.Errorf("tool use content name is empty")
					}
					items = append(items, responses.ResponseInputItemParamOfFunctionCall(string(c.Input), c.ID, c.Name))
				}
			}
		case llm.User, "":
			var content []responses.ResponseInputContentUnionParam
			for _, c := range message.Content {
				switch c.Type {
				case llm.ContentTypeText:
					content = append(content, responses.ResponseInputContentParamOfInputText(c.Text))
				case llm.ContentTypeToolResult:
					output := c.Content
					if c.IsError {
						output = "Error: " + output
					}
					items = append(items, responses.ResponseInputItemParamOfFunctionCallOutput(c.ToolUseID, output))
				}
			}
			if len(content) > 0 {
				items = append(items, responses.ResponseInputItemParamOfInputMessage(content, "user"))
			}
		default:
			return nil, fmt.Errorf("unknown message role: %s", message.Role)
		}
	}
	return items, nil
}

func decodeResponse(response *responses.Response) (*llm.Response, error) {
	var content []*llm.Content
	stopReason := "stop"
	for _, item := range response.Output {
		switch item.Type {
		case "message":
			for _, part := range item.AsMessage().Content {
				if part.Type == "output_text" {
					content = append(content, &llm.Content{Type: llm.ContentTypeText, Text: part.AsOutputText().Text})
				}
			}
		case "function_call":
			call := item.AsFunctionCall()
			content = append(content, &llm.Content{
				Type:  llm.ContentTypeToolUse,
				ID:    call.CallID,
				Name:  call.Name,
				Input: []byte(call.Arguments),
			})
			stopReason = "tool_use"
		}
	}
	if len(content) == 0 {
		return nil, llm.ErrNoResponse
	}
	return &llm.Response{
		ID:         response.ID,
		Model:      string(response.Model),
		Role:       llm.Assistant,
		StopReason: stopReason,
		Content:    content,
		Usage: llm.Usage{
			InputTokens:  int(response.Usage.InputTokens),
			OutputTokens: int(response.Usage.OutputTokens),
		},
	}, nil
}
