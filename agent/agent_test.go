package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deepnoodle-ai/forge"
	"github.com/deepnoodle-ai/forge/llm"
	"github.com/deepnoodle-ai/forge/llm/llmtest"
	"github.com/deepnoodle-ai/forge/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoTool struct {
	calls atomic.Int32
	reply func(ctx context.Context, text string) *forge.ToolResult
}

func (t *echoTool) Name() string        { return "echo" }
func (t *echoTool) Description() string { return "Echoes back the input" }
func (t *echoTool) Schema() *schema.Schema {
	return &schema.Schema{
		Type:       schema.Object,
		Required:   []string{"text"},
		Properties: map[string]*schema.Property{"text": {Type: schema.String}},
	}
}
func (t *echoTool) Annotations() *forge.ToolAnnotations { return nil }

func (t *echoTool) Call(ctx context.Context, input any) (*forge.ToolResult, error) {
	t.calls.Add(1)
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(input.(json.RawMessage), &in); err != nil {
		return nil, err
	}
	if t.reply != nil {
		return t.reply(ctx, in.Text), nil
	}
	return forge.NewToolResultText("echo: " + in.Text), nil
}

func TestNewRequiresModel(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, ErrNoLLM)
}

func TestRunWithoutTools(t *testing.T) {
	model := llmtest.New(llmtest.Text("hello"))
	a, err := New(Options{Model: model, SystemPrompt: "be brief"})
	require.NoError(t, err)

	result, err := a.Prompt(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Text())
	assert.Empty(t, result.ToolCalls)
	calls := model.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "be brief", calls[0].Config.SystemPrompt)
}

func TestRunToolLoop(t *testing.T) {
	model := llmtest.New(
		llmtest.ToolCall("call-1", "echo", map[string]string{"text": "ping"}),
		llmtest.Text("done"),
	)
	tool := &echoTool{}
	events := &forge.EventRecorder{}
	a, err := New(Options{Model: model, Tools: []forge.Tool{tool}, Events: forge.NewEmitter(events, nil)})
	require.NoError(t, err)

	result, err := a.Prompt(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, "done", result.Text())
	assert.Equal(t, []string{"echo"}, result.ToolCalls)
	assert.False(t, result.Sentinel)

	calls := model.Calls()
	require.Len(t, calls, 2)
	second := calls[1].Messages
	require.Len(t, second, 3)
	last := second[2].Content[0]
	assert.Equal(t, llm.ContentTypeToolResult, last.Type)
	assert.Equal(t, "call-1", last.ToolUseID)
	assert.Equal(t, "echo: ping", last.Content)
	assert.Equal(t, []forge.EventKind{forge.EventToolStarted, forge.EventToolResponse}, events.Kinds())
}

func TestRunStopsOnSentinel(t *testing.T) {
	model := llmtest.New(
		llmtest.ToolCall("call-1", "echo", map[string]string{"text": "write"}),
		llmtest.Text("never reached"),
	)
	tool := &echoTool{reply: func(ctx context.Context, text string) *forge.ToolResult {
		return forge.NewToolResultText("Home.jsx updated successfully")
	}}
	a, err := New(Options{Model: model, Tools: []forge.Tool{tool}, Sentinel: "Home.jsx updated successfully"})
	require.NoError(t, err)

	result, err := a.Prompt(context.Background(), "go")
	require.NoError(t, err)
	assert.True(t, result.Sentinel)
	assert.Nil(t, result.Response)
	assert.Len(t, model.Calls(), 1)
}

func TestRunToolCallLimit(t *testing.T) {
	model := llmtest.New()
	n := 0
	model.Fallback = func(messages []*llm.Message, cfg *llm.Config) (*llm.Response, error) {
		n++
		step := llmtest.ToolCall("call", "echo", map[string]string{"text": "again"})
		return step.Response, nil
	}
	tool := &echoTool{}
	a, err := New(Options{Model: model, Tools: []forge.Tool{tool}, ToolCallLimit: 2})
	require.NoError(t, err)

	result, err := a.Prompt(context.Background(), "loop")
	assert.ErrorIs(t, err, ErrToolCallLimit)
	assert.Equal(t, int32(2), tool.calls.Load())
	assert.Equal(t, []string{"echo", "echo"}, result.ToolCalls)

	calls := model.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, llm.ToolChoice(""), calls[1].Config.ToolChoice)
	assert.Equal(t, llm.ToolChoiceNone, calls[2].Config.ToolChoice)
	lastMessage := calls[2].Messages[len(calls[2].Messages)-1]
	assert.Contains(t, lastMessage.Text(), FinishNow)
}

func TestRunFinalAnswerAfterLimit(t *testing.T) {
	model := llmtest.New(
		llmtest.ToolCall("call-1", "echo", map[string]string{"text": "a"}),
		llmtest.Text("final"),
	)
	a, err := New(Options{Model: model, Tools: []forge.Tool{&echoTool{}}, ToolCallLimit: 1})
	require.NoError(t, err)

	result, err := a.Prompt(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, "final", result.Text())
}

func TestRunTimeout(t *testing.T) {
	model := llmtest.New(
		llmtest.ToolCall("call-1", "echo", map[string]string{"text": "slow"}),
		llmtest.Text("late"),
	)
	tool := &echoTool{reply: func(ctx context.Context, text string) *forge.ToolResult {
		<-ctx.Done()
		return forge.NewToolResultError(ctx.Err().Error())
	}}
	a, err := New(Options{Model: model, Tools: []forge.Tool{tool}, Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	_, err = a.Prompt(context.Background(), "go")
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRunCallerCancellationIsNotTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a, err := New(Options{Model: llmtest.New(llmtest.Text("x"))})
	require.NoError(t, err)

	_, err = a.Prompt(ctx, "go")
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrTimeout))
}

func TestRunModelError(t *testing.T) {
	boom := errors.New("boom")
	a, err := New(Options{Model: llmtest.New(llmtest.Error(boom))})
	require.NoError(t, err)

	_, err = a.Prompt(context.Background(), "go")
	assert.ErrorIs(t, err, boom)
}

func TestUnknownToolIsReportedToModel(t *testing.T) {
	model := llmtest.New(
		llmtest.ToolCall("call-1", "missing", map[string]string{}),
		llmtest.Text("ok"),
	)
	a, err := New(Options{Model: model, Tools: []forge.Tool{&echoTool{}}})
	require.NoError(t, err)

	_, err = a.Prompt(context.Background(), "go")
	require.NoError(t, err)
	toolResult := model.Calls()[1].Messages[2].Content[0]
	assert.True(t, toolResult.IsError)
	assert.Contains(t, toolResult.Content, "unknown tool")
}

func TestStepsStopWhenConsumerBreaks(t *testing.T) {
	model := llmtest.New(llmtest.ToolCall("call-1", "echo", map[string]string{"text": "a"}))
	tool := &echoTool{}
	a, err := New(Options{Model: model, Tools: []forge.Tool{tool}})
	require.NoError(t, err)

	var seen []StepType
	for step, err := range a.Steps(context.Background(), []*llm.Message{llm.NewUserTextMessage("go")}) {
		require.NoError(t, err)
		seen = append(seen, step.Type)
		break
	}
	assert.Equal(t, []StepType{StepToolCallRequested}, seen)
	assert.Equal(t, int32(0), tool.calls.Load())
}
