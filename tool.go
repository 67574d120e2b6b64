package forge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/forge/schema"
)

// ToolAnnotations describe tool behavior to clients such as MCP hosts.
type ToolAnnotations struct {
	Title           string `json:"title,omitempty"`
	ReadOnlyHint    bool   `json:"readOnlyHint,omitempty"`
	DestructiveHint bool   `json:"destructiveHint,omitempty"`
	IdempotentHint  bool   `json:"idempotentHint,omitempty"`
	OpenWorldHint   bool   `json:"openWorldHint,omitempty"`
}

type ToolResultContentType string

const ToolResultContentTypeText ToolResultContentType = "text"

type ToolResultContent struct {
	Type ToolResultContentType `json:"type"`
	Text string                `json:"text,omitempty"`
}

// ToolResult is the output from a tool call. Tool failures are reported with
// IsError set rather than as Go errors so the model can react to them.
type ToolResult struct {
	Content []*ToolResultContent `json:"content"`
	IsError bool                 `json:"isError,omitempty"`
}

// Text joins the text content of the result.
func (r *ToolResult) Text() string {
	if r == nil {
		return ""
	}
	parts := make([]string, 0, len(r.Content))
	for _, c := range r.Content {
		if c.Type == ToolResultContentTypeText {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// NewToolResultError creates a new ToolResult containing an error message.
func NewToolResultError(text string) *ToolResult {
	return &ToolResult{
		IsError: true,
		Content: []*ToolResultContent{{Type: ToolResultContentTypeText, Text: text}},
	}
}

// NewToolResultText creates a new ToolResult with the given text content.
func NewToolResultText(text string) *ToolResult {
	return &ToolResult{
		Content: []*ToolResultContent{{Type: ToolResultContentTypeText, Text: text}},
	}
}

// Tool is an interface for a tool that can be called by an LLM.
type Tool interface {
	// Name of the tool.
	Name() string

	// Description of the tool.
	Description() string

	// Schema describes the parameters used to call the tool.
	Schema() *schema.Schema

	// Annotations returns optional properties that describe tool behavior.
	Annotations() *ToolAnnotations

	// Call invokes the tool. A non-nil error means the tool itself is broken;
	// expected failures are returned as error results.
	Call(ctx context.Context, input any) (*ToolResult, error)
}

// TypedTool is a tool that can be called with a specific type of input.
type TypedTool[T any] interface {
	Name() string
	Description() string
	Schema() *schema.Schema
	Annotations() *ToolAnnotations
	Call(ctx context.Context, input T) (*ToolResult, error)
}

// ToolAdapter wraps a TypedTool so it can be used as a regular Tool.
func ToolAdapter[T any](tool TypedTool[T]) *TypedToolAdapter[T] {
	return &TypedToolAdapter[T]{tool: tool}
}

// TypedToolAdapter decodes `input any` into T before calling the typed tool.
type TypedToolAdapter[T any] struct {
	tool TypedTool[T]
}

func (t *TypedToolAdapter[T]) Name() string {
	return t.tool.Name()
}

func (t *TypedToolAdapter[T]) Description() string {
	return t.tool.Description()
}

func (t *TypedToolAdapter[T]) Schema() *schema.Schema {
	return t.tool.Schema()
}

func (t *TypedToolAdapter[T]) Annotations() *ToolAnnotations {
	return t.tool.Annotations()
}

func (t *TypedToolAdapter[T]) Call(ctx context.Context, input any) (*ToolResult, error) {
	if converted, ok := input.(T); ok {
		return t.tool.Call(ctx, converted)
	}
	var data []byte
	switch raw := input.(type) {
	case json.RawMessage:
		data = raw
	case []byte:
		data = raw
	case string:
		data = []byte(raw)
	case nil:
	default:
		var err error
		if data, err = json.Marshal(input); err != nil {
			return NewToolResultError(fmt.Sprintf("invalid json for tool %s: %v", t.Name(), err)), nil
		}
	}
	if len(data) == 0 || string(data) == "null" {
		data = []byte("{}")
	}
	var typedInput T
	if err := json.Unmarshal(data, &typedInput); err != nil {
		return NewToolResultError(fmt.Sprintf("invalid json for tool %s: %v", t.Name(), err)), nil
	}
	return t.tool.Call(ctx, typedInput)
}

// Unwrap returns the underlying TypedTool.
func (t *TypedToolAdapter[T]) Unwrap() TypedTool[T] {
	return t.tool
}

// CallTool invokes tool and folds any returned error into an error result,
// recovering panics as well. The result is never nil.
func CallTool(ctx context.Context, tool Tool, input any) (result *ToolResult) {
	defer func() {
		if r := recover(); r != nil {
			result = NewToolResultError(fmt.Sprintf("Tool execution error: %s panicked: %v", tool.Name(), r))
		}
	}()
	result, err := tool.Call(ctx, input)
	if err != nil {
		return NewToolResultError(fmt.Sprintf("Tool execution error: %v", err))
	}
	if result == nil {
		return NewToolResultText("")
	}
	return result
}
