// Package llm defines the provider-neutral language model interface used by
// the planner and the builder's tool-calling loop.
package llm

import (
	"context"
	"errors"

	"github.com/deepnoodle-ai/forge/schema"
)

// ErrNoResponse is returned when a provider produced no usable content.
var ErrNoResponse = errors.New("llm returned no response")

// LLM generates a single response for a conversation.
type LLM interface {
	// Name of the provider, e.g. "google".
	Name() string

	Generate(ctx context.Context, messages []*Message, opts ...Option) (*Response, error)
}

// StreamingLLM is an LLM that can also stream incremental text.
type StreamingLLM interface {
	LLM

	Stream(ctx context.Context, messages []*Message, opts ...Option) (Stream, error)
}

// Tool is the model-facing description of a callable tool.
type Tool interface {
	Name() string
	Description() string
	Schema() *schema.Schema
}

// ToolChoice controls whether the model may, must, or must not call tools.
type ToolChoice string

const (
	ToolChoiceAuto ToolChoice = "auto"
	ToolChoiceNone ToolChoice = "none"
	ToolChoiceAny  ToolChoice = "any"
)
