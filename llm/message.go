package llm

import (
	"encoding/json"
	"strings"
)

// Role indicates the author of a message.
type Role string

const (
	User      Role = "user"
	Assistant Role = "assistant"
)

func (r Role) String() string {
	return string(r)
}

// ContentType indicates the type of a content block in a message.
type ContentType string

const (
	ContentTypeText       ContentType = "text"
	ContentTypeToolUse    ContentType = "tool_use"
	ContentTypeToolResult ContentType = "tool_result"
	ContentTypeThinking   ContentType = "thinking"
)

// Content is a single block of a message.
type Content struct {
	Type ContentType `json:"type"`

	// Text is set for text and thinking blocks.
	Text string `json:"text,omitempty"`

	// ID, Name and Input are set for tool_use blocks.
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// ToolUseID, Content and IsError are set for tool_result blocks.
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Message is one turn of a conversation.
type Message struct {
	Role    Role       `json:"role"`
	Content []*Content `json:"content"`
}

// Text concatenates the text blocks of the message.
func (m *Message) Text() string {
	var sb strings.Builder
	for _, c := range m.Content {
		if c.Type == ContentTypeText {
			sb.WriteString(c.Text)
		}
	}
	return sb.String()
}

// ToolCalls returns the tool_use blocks of the message.
func (m *Message) ToolCalls() []*ToolCall {
	var calls []*ToolCall
	for _, c := range m.Content {
		if c.Type == ContentTypeToolUse {
			calls = append(calls, &ToolCall{ID: c.ID, Name: c.Name, Input: c.Input})
		}
	}
	return calls
}

func NewUserTextMessage(text string) *Message {
	return &Message{Role: User, Content: []*Content{{Type: ContentTypeText, Text: text}}}
}

func NewAssistantTextMessage(text string) *Message {
	return &Message{Role: Assistant, Content: []*Content{{Type: ContentTypeText, Text: text}}}
}

// NewToolResultMessage returns a user message carrying tool results.
func NewToolResultMessage(results ...*ToolResult) *Message {
	msg := &Message{Role: User}
	for _, r := range results {
		msg.Content = append(msg.Content, &Content{
			Type:      ContentTypeToolResult,
			ToolUseID: r.ToolUseID,
			Name:      r.Name,
			Content:   r.Output,
			IsError:   r.IsError,
		})
	}
	return msg
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the output of a tool call, returned to the model.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Name      string `json:"name"`
	Output    string `json:"output"`
	IsError   bool   `json:"is_error,omitempty"`
}
