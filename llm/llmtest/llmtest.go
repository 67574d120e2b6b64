// Package llmtest provides a scripted LLM for tests.
package llmtest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/deepnoodle-ai/forge/llm"
)

var _ llm.StreamingLLM = &Scripted{}

// Call records one Generate or Stream invocation.
type Call struct {
	Messages []*llm.Message
	Config   *llm.Config
}

// Scripted replays a fixed list of responses in order. When the script runs
// out, Fallback is used if set, otherwise an error is returned.
type Scripted struct {
	mu        sync.Mutex
	responses []Step
	calls     []Call
	Fallback  func(messages []*llm.Message, cfg *llm.Config) (*llm.Response, error)
}

// Step is one scripted reply: either a response or an error.
type Step struct {
	Response *llm.Response
	Err      error
}

func New(steps ...Step) *Scripted {
	return &Scripted{responses: steps}
}

func (s *Scripted) Name() string { return "scripted" }

func (s *Scripted) Generate(ctx context.Context, messages []*llm.Message, opts ...llm.Option) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := llm.NewConfig(opts...)
	s.mu.Lock()
	s.calls = append(s.calls, Call{Messages: append([]*llm.Message(nil), messages...), Config: cfg})
	if len(s.responses) == 0 {
		fallback := s.Fallback
		s.mu.Unlock()
		if fallback != nil {
			return fallback(messages, cfg)
		}
		return nil, fmt.Errorf("llmtest: script exhausted after %d calls", len(s.calls))
	}
	step := s.responses[0]
	s.responses = s.responses[1:]
	s.mu.Unlock()
	return step.Response, step.Err
}

// Stream splits the next scripted text response into word chunks.
func (s *Scripted) Stream(ctx context.Context, messages []*llm.Message, opts ...llm.Option) (llm.Stream, error) {
	resp, err := s.Generate(ctx, messages, opts...)
	if err != nil {
		return nil, err
	}
	var events []*llm.Event
	for _, word := range strings.SplitAfter(resp.Text(), " ") {
		if word != "" {
			events = append(events, &llm.Event{Type: llm.EventTextDelta, Text: word})
		}
	}
	events = append(events, &llm.Event{Type: llm.EventDone, Response: resp})
	return &stream{events: events}, nil
}

// Calls returns the recorded invocations.
func (s *Scripted) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Text returns a step replying with plain text.
func Text(text string) Step {
	return Step{Response: &llm.Response{
		Role:       llm.Assistant,
		StopReason: "stop",
		Content:    []*llm.Content{{Type: llm.ContentTypeText, Text: text}},
	}}
}

// ToolCall returns a step requesting one tool call with the given input.
func ToolCall(id, name string, input any) Step {
	data, err := json.Marshal(input)
	if err != nil {
		panic(err)
	}
	return Step{Response: &llm.Response{
		Role:       llm.Assistant,
		StopReason: "tool_use",
		Content:    []*llm.Content{{Type: llm.ContentTypeToolUse, ID: id, Name: name, Input: data}},
	}}
}

// Error returns a step that fails with err.
func Error(err error) Step {
	return Step{Err: err}
}

type stream struct {
	events []*llm.Event
}

func (s *stream) Next(ctx context.Context) (*llm.Event, bool) {
	if len(s.events) == 0 || ctx.Err() != nil {
		return nil, false
	}
	e := s.events[0]
	s.events = s.events[1:]
	return e, true
}

func (s *stream) Err() error   { return nil }
func (s *stream) Close() error { return nil }
