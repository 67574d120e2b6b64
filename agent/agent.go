// Package agent runs a language model in a tool-calling loop.
//
// The loop is exposed as an iterator of discrete steps ([Agent.Steps]): a
// tool call requested by the model, the result of running it, and the
// model's final answer. [Agent.Run] consumes the steps and applies the
// wall-clock timeout and the sentinel check.
package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/deepnoodle-ai/forge"
	"github.com/deepnoodle-ai/forge/llm"
	"github.com/deepnoodle-ai/forge/slogger"
)

const (
	DefaultToolCallLimit = 25
	DefaultTimeout       = 10 * time.Minute
)

var (
	ErrNoLLM = errors.New("no llm provided")

	// ErrToolCallLimit is returned when the model keeps calling tools after
	// the tool call limit was reached and it was told to stop.
	ErrToolCallLimit = errors.New("tool call limit reached")

	// ErrTimeout is returned when a run exceeds its wall-clock limit.
	ErrTimeout = errors.New("agent timed out")

	FinishNow = "Your tool calls are complete. You must respond with a final answer now."
)

// Options configure an Agent.
type Options struct {
	Name         string
	Model        llm.LLM
	SystemPrompt string
	Tools        []forge.Tool

	// ModelOptions are passed to every generation, e.g. llm.WithMaxTokens.
	ModelOptions []llm.Option

	// ToolCallLimit caps the number of tool calls in one run.
	ToolCallLimit int

	// Timeout bounds the wall-clock duration of Run.
	Timeout time.Duration

	// Sentinel, when set, ends Run as soon as a tool result contains it.
	Sentinel string

	Events *forge.Emitter
	Logger slogger.Logger
}

// Agent drives a model through repeated generations, running the tools it
// requests between them.
type Agent struct {
	name          string
	model         llm.LLM
	systemPrompt  string
	tools         []forge.Tool
	toolsByName   map[string]forge.Tool
	modelOptions  []llm.Option
	toolCallLimit int
	timeout       time.Duration
	sentinel      string
	events        *forge.Emitter
	logger        slogger.Logger
}

// New returns a new Agent configured with the given options.
func New(opts Options) (*Agent, error) {
	if opts.Model == nil {
		return nil, ErrNoLLM
	}
	if opts.ToolCallLimit <= 0 {
		opts.ToolCallLimit = DefaultToolCallLimit
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Name == "" {
		opts.Name = "agent"
	}
	a := &Agent{
		name:          opts.Name,
		model:         opts.Model,
		systemPrompt:  opts.SystemPrompt,
		tools:         append([]forge.Tool(nil), opts.Tools...),
		toolsByName:   make(map[string]forge.Tool, len(opts.Tools)),
		modelOptions:  opts.ModelOptions,
		toolCallLimit: opts.ToolCallLimit,
		timeout:       opts.Timeout,
		sentinel:      opts.Sentinel,
		events:        opts.Events,
		logger:        slogger.OrDefault(opts.Logger),
	}
	for _, tool := range a.tools {
		a.toolsByName[tool.Name()] = tool
	}
	return a, nil
}

func (a *Agent) Name() string { return a.name }

// StepType identifies a step of the tool-calling loop.
type StepType string

const (
	StepToolCallRequested StepType = "tool_call_requested"
	StepToolResult        StepType = "tool_result"
	StepDone              StepType = "agent_done"
)

// Step is one event of the tool-calling loop. Call is set for tool call and
// tool result steps, Result for tool result steps and Response for the
// done step.
type Step struct {
	Type       StepType
	Generation int
	Call       *llm.ToolCall
	Result     *forge.ToolResult
	Response   *llm.Response
	Messages   []*llm.Message
	Usage      llm.Usage
}

func (a *Agent) generationOptions(final bool) []llm.Option {
	var opts []llm.Option
	if a.systemPrompt != "" {
		opts = append(opts, llm.WithSystemPrompt(a.systemPrompt))
	}
	opts = append(opts, a.modelOptions...)
	if len(a.tools) > 0 {
		defs := make([]llm.Tool, len(a.tools))
		for i, tool := range a.tools {
			defs[i] = tool
		}
		opts = append(opts, llm.WithTools(defs...))
		if final {
			opts = append(opts, llm.WithToolChoice(llm.ToolChoiceNone))
		}
	}
	return opts
}

// Steps runs the loop lazily. Each iteration yields a step or, as the last
// item, an error. Breaking out of the range stops the loop before the next
// model call or tool call.
//
// Once ToolCallLimit tool calls have run, the model gets one more
// generation with tools disabled. Tool calls it still requests then are not
// run and ErrToolCallLimit is yielded.
func (a *Agent) Steps(ctx context.Context, messages []*llm.Message) iter.Seq2[*Step, error] {
	return func(yield func(*Step, error) bool) {
		conversation := append([]*llm.Message(nil), messages...)
		var output []*llm.Message
		var usage llm.Usage
		calls := 0
		final := false

		for generation := 1; ; generation++ {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			response, err := a.model.Generate(ctx, conversation, a.generationOptions(final)...)
			if err == nil && response == nil {
				err = llm.ErrNoResponse
			}
			if err != nil {
				yield(nil, err)
				return
			}
			usage.Add(response.Usage)
			assistant := response.Message()
			conversation = append(conversation, assistant)
			output = append(output, assistant)

			a.logger.Debug("llm response",
				"agent", a.name,
				"generation", generation,
				"input_tokens", response.Usage.InputTokens,
				"output_tokens", response.Usage.OutputTokens,
			)

			toolCalls := response.ToolCalls()
			if len(toolCalls) == 0 {
				yield(&Step{Type: StepDone, Generation: generation, Response: response, Messages: output, Usage: usage}, nil)
				return
			}
			if final {
				yield(nil, fmt.Errorf("%w (%d calls)", ErrToolCallLimit, calls))
				return
			}

			results := make([]*llm.ToolResult, 0, len(toolCalls))
			for _, call := range toolCalls {
				if calls >= a.toolCallLimit {
					break
				}
				if !yield(&Step{Type: StepToolCallRequested, Generation: generation, Call: call}, nil) {
					return
				}
				result := a.callTool(ctx, call)
				calls++
				results = append(results, &llm.ToolResult{
					ToolUseID: call.ID,
					Name:      call.Name,
					Output:    result.Text(),
					IsError:   result.IsError,
				})
				if !yield(&Step{Type: StepToolResult, Generation: generation, Call: call, Result: result}, nil) {
					return
				}
			}
			for _, call := range toolCalls[len(results):] {
				results = append(results, &llm.ToolResult{
					ToolUseID: call.ID,
					Name:      call.Name,
					Output:    "Tool call skipped: the tool call limit was reached.",
					IsError:   true,
				})
			}

			resultMessage := llm.NewToolResultMessage(results...)
			if calls >= a.toolCallLimit {
				final = true
				resultMessage.Content = append(resultMessage.Content, &llm.Content{Type: llm.ContentTypeText, Text: FinishNow})
				a.logger.Debug("tool call limit reached", "agent", a.name, "calls", calls)
			}
			conversation = append(conversation, resultMessage)
			output = append(output, resultMessage)
		}
	}
}

func (a *Agent) callTool(ctx context.Context, call *llm.ToolCall) *forge.ToolResult {
	tool, ok := a.toolsByName[call.Name]
	if !ok {
		return forge.NewToolResultError(fmt.Sprintf("Tool execution error: unknown tool %q", call.Name))
	}
	a.logger.Debug("executing tool call", "agent", a.name, "tool", call.Name, "tool_id", call.ID)
	a.events.Send(ctx, forge.EventToolStarted, "Running "+call.Name, map[string]any{"tool": call.Name})
	result := forge.CallTool(ctx, tool, call.Input)
	text := result.Text()
	preview := text
	if len(preview) > 100 {
		preview = preview[:100] + "..."
	}
	a.events.Send(ctx, forge.EventToolResponse, fmt.Sprintf("Tool %s returned: %s", call.Name, preview), map[string]any{
		"tool":     call.Name,
		"is_error": result.IsError,
	})
	return result
}

// Result summarizes a run.
type Result struct {
	// Response is the final model response. It is nil when the run ended on
	// the sentinel.
	Response *llm.Response

	// ToolCalls lists the tools called, in order.
	ToolCalls []string

	// Sentinel is true when a tool result contained the sentinel.
	Sentinel bool

	Usage llm.Usage
}

// Text returns the text of the final response.
func (r *Result) Text() string {
	if r == nil || r.Response == nil {
		return ""
	}
	return r.Response.Text()
}

// Run drives the loop to completion. It returns as soon as a tool result
// contains the sentinel. A run that exceeds the timeout fails with
// ErrTimeout; the partial result is returned alongside every error.
func (a *Agent) Run(ctx context.Context, messages []*llm.Message) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	result := &Result{}
	for step, err := range a.Steps(runCtx, messages) {
		if err != nil {
			if ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
				return result, fmt.Errorf("%w after %s", ErrTimeout, a.timeout)
			}
			return result, err
		}
		switch step.Type {
		case StepToolCallRequested:
			result.ToolCalls = append(result.ToolCalls, step.Call.Name)
		case StepToolResult:
			if a.sentinel != "" && strings.Contains(step.Result.Text(), a.sentinel) {
				a.logger.Debug("sentinel found", "agent", a.name, "tool", step.Call.Name)
				result.Sentinel = true
				return result, nil
			}
		case StepDone:
			result.Response = step.Response
			result.Usage = step.Usage
		}
	}
	return result, nil
}

// Prompt runs the agent on a single user message.
func (a *Agent) Prompt(ctx context.Context, text string) (*Result, error) {
	return a.Run(ctx, []*llm.Message{llm.NewUserTextMessage(text)})
}
