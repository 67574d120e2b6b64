package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deepnoodle-ai/forge"
	"github.com/deepnoodle-ai/forge/agent"
	"github.com/deepnoodle-ai/forge/llm"
	"github.com/deepnoodle-ai/forge/retry"
	"github.com/deepnoodle-ai/forge/sandbox"
	"github.com/deepnoodle-ai/forge/session"
	"github.com/deepnoodle-ai/forge/slogger"
	"github.com/deepnoodle-ai/forge/toolkit"
)

// Variant selects a workflow topology.
type Variant string

const (
	// VariantLinear is planner, builder, validator, then builder again or
	// executor.
	VariantLinear Variant = "linear"

	// VariantTwoGate adds a runtime checker after the static validator,
	// with a retry budget per gate.
	VariantTwoGate Variant = "two_gate"
)

// ToolMode selects the tools handed to the builder.
type ToolMode string

const (
	ToolModeSingleFile ToolMode = "single_file"
	ToolModeMultiFile  ToolMode = "multi_file"
)

const (
	DefaultMaxRetries     = 1
	DefaultGlobalRetryCap = 6
	DefaultLLMRetries     = 3
	DefaultRecentRequests = 5
	stopDevServerCommand  = "pkill -f 'vite'"
	planMessagePrefix     = " **IMPLEMENTATION PLAN**\n\n"
)

var errSandboxUnavailable = errors.New("sandbox not available")

// Settings are the tunables of a run.
type Settings struct {
	Variant Variant

	// MaxRetries is the number of builder passes allowed beyond the first,
	// per gate in the two-gate variant.
	MaxRetries int

	// GlobalRetryCap bounds the sum of all retry counters of the two-gate
	// variant.
	GlobalRetryCap int

	ToolCallLimit  int
	BuilderTimeout time.Duration

	// ToolMode defaults to single-file for the linear variant and
	// multi-file for the two-gate variant.
	ToolMode ToolMode

	// Target is the project-relative page the builder must write.
	Target string

	// Thinking enables the streamed thinking pass before planning.
	Thinking bool

	AppRoot          string
	DevServerCommand string

	// CommandPolicy filters execute_command. Nil allows every command.
	CommandPolicy *toolkit.CommandPolicy

	HistoryLimit int

	// LLMRetries is the number of attempts of a planner model call.
	LLMRetries   int
	LLMRetryWait time.Duration

	ModelOptions []llm.Option
}

// DefaultSettings returns the settings of a linear single-file run.
func DefaultSettings() Settings {
	return Settings{
		Variant:        VariantLinear,
		MaxRetries:     DefaultMaxRetries,
		GlobalRetryCap: DefaultGlobalRetryCap,
	}
}

func (s Settings) withDefaults() Settings {
	if s.Variant == "" {
		s.Variant = VariantLinear
	}
	if s.MaxRetries < 0 {
		s.MaxRetries = 0
	}
	if s.GlobalRetryCap <= 0 {
		s.GlobalRetryCap = DefaultGlobalRetryCap
	}
	if s.ToolCallLimit <= 0 {
		s.ToolCallLimit = agent.DefaultToolCallLimit
	}
	if s.BuilderTimeout <= 0 {
		s.BuilderTimeout = agent.DefaultTimeout
	}
	if s.ToolMode == "" {
		s.ToolMode = ToolModeSingleFile
		if s.Variant == VariantTwoGate {
			s.ToolMode = ToolModeMultiFile
		}
	}
	if s.Target == "" {
		s.Target = toolkit.DefaultTargetFile
	}
	if s.AppRoot == "" {
		s.AppRoot = sandbox.DefaultAppRoot
	}
	if s.DevServerCommand == "" {
		s.DevServerCommand = sandbox.DefaultDevServerCommand
	}
	if s.HistoryLimit <= 0 {
		s.HistoryLimit = session.DefaultHistoryLimit
	}
	if s.LLMRetries <= 0 {
		s.LLMRetries = DefaultLLMRetries
	}
	if s.LLMRetryWait <= 0 {
		s.LLMRetryWait = retry.DefaultBaseWait
	}
	return s
}

// Validate reports settings that cannot produce a run.
func (s Settings) Validate() error {
	switch s.Variant {
	case "", VariantLinear, VariantTwoGate:
	default:
		return fmt.Errorf("unknown workflow variant %q", s.Variant)
	}
	switch s.ToolMode {
	case "", ToolModeSingleFile, ToolModeMultiFile:
	default:
		return fmt.Errorf("unknown tool mode %q", s.ToolMode)
	}
	return nil
}

// Deps are the collaborators shared by the stages of a graph.
type Deps struct {
	Model llm.LLM

	// Store persists plans and thinking and provides project history.
	// Optional.
	Store session.Store

	Events   *forge.Emitter
	Logger   slogger.Logger
	Settings Settings
}

func (d *Deps) persist(ctx context.Context, projectID, content, eventType string) {
	if d.Store == nil || projectID == "" {
		return
	}
	msg := session.NewMessage(projectID, session.RoleAssistant, content, eventType)
	if err := d.Store.Create(ctx, msg); err != nil {
		d.Logger.Warn("failed to persist message", "project_id", projectID, "event_type", eventType, "error", err)
	}
}

func (d *Deps) history(ctx context.Context, projectID string) *session.ProjectHistory {
	if d.Store == nil || projectID == "" {
		return nil
	}
	history, err := session.LoadProjectHistory(ctx, d.Store, projectID, d.Settings.HistoryLimit)
	if err != nil {
		d.Logger.Warn("failed to load project history", "project_id", projectID, "error", err)
		return nil
	}
	return history
}

// plan loads the project history, asks the model for an implementation plan
// and persists it. A model failure degrades to a placeholder plan.
func (d *Deps) plan(ctx context.Context, st *RunState) (*Update, error) {
	// History is read before anything of this run is persisted.
	history := d.history(ctx, st.ProjectID)

	d.Events.Send(ctx, forge.EventPlannerStarted, "Planning the application architecture...", nil)

	data := planningData{
		Request: st.UserPrompt,
		Target:  d.Settings.Target,
		Product: st.Context,
		History: history,
	}
	if history != nil {
		recent := history.Requests
		if len(recent) > DefaultRecentRequests {
			recent = recent[len(recent)-DefaultRecentRequests:]
		}
		data.RecentRequests = recent
	}
	prompt, err := render(planningTemplate, data)
	if err != nil {
		return nil, fmt.Errorf("rendering planning prompt: %w", err)
	}

	if d.Settings.Thinking {
		d.think(ctx, st.ProjectID, prompt)
	}

	d.Events.Send(ctx, forge.EventGeneratingPlan, "Generating implementation plan...", nil)

	update := &Update{CurrentNode: StagePlanner, EnhancedPrompt: ptr(prompt)}
	text, err := d.generate(ctx, prompt)
	if err != nil {
		d.Logger.Error("plan generation failed", "project_id", st.ProjectID, "error", err)
		update.ErrorMessage = ptr(fmt.Sprintf("Planner model error: %v", err))
		text = planFailedText
	}
	plan := ParsePlan(text)
	update.Plan = plan

	d.persist(ctx, st.ProjectID, planMessagePrefix+plan.Text()+"\n", session.EventTypePlan)
	d.Events.Send(ctx, forge.EventPlannerComplete, "Implementation plan created", map[string]any{
		"plan": plan.Text(),
	})

	detail := map[string]any{"plan_length": len(plan.Text()), "existing_project": history != nil}
	if update.ErrorMessage != nil {
		detail["error"] = *update.ErrorMessage
	}
	update.Log = []LogEntry{{Node: StagePlanner, Status: StatusCompleted, Detail: detail}}
	return update, nil
}

func (d *Deps) generate(ctx context.Context, prompt string) (string, error) {
	opts := append([]llm.Option{llm.WithSystemPrompt(plannerSystemPrompt)}, d.Settings.ModelOptions...)
	messages := []*llm.Message{llm.NewUserTextMessage(prompt)}
	var text string
	err := retry.Do(ctx, func() error {
		resp, err := d.Model.Generate(ctx, messages, opts...)
		if err != nil {
			return err
		}
		text = strings.TrimSpace(resp.Text())
		if text == "" {
			return llm.ErrNoResponse
		}
		return nil
	},
		retry.WithMaxRetries(d.Settings.LLMRetries),
		retry.WithBaseWait(d.Settings.LLMRetryWait),
		retry.WithOnRetry(func(attempt int, err error) {
			d.Logger.Warn("retrying plan generation", "attempt", attempt, "error", err)
		}),
	)
	return text, err
}

// think streams a short reasoning pass to the event sink. It is best effort:
// a model that cannot stream, or a failed stream, skips it.
func (d *Deps) think(ctx context.Context, projectID, prompt string) {
	model, ok := d.Model.(llm.StreamingLLM)
	if !ok {
		return
	}
	opts := append([]llm.Option{llm.WithSystemPrompt(thinkingSystemPrompt)}, d.Settings.ModelOptions...)
	stream, err := model.Stream(ctx, []*llm.Message{llm.NewUserTextMessage(prompt)}, opts...)
	if err != nil {
		d.Logger.Warn("thinking pass failed", "project_id", projectID, "error", err)
		return
	}
	resp, err := llm.Collect(ctx, stream, func(chunk string) {
		d.Events.Send(ctx, forge.EventThinking, chunk, nil)
	})
	if err != nil {
		d.Logger.Warn("thinking pass failed", "project_id", projectID, "error", err)
		return
	}
	if text := strings.TrimSpace(resp.Text()); text != "" {
		d.persist(ctx, projectID, text, session.EventTypeThinking)
	}
}

// ParsePlan returns a StructuredPlan when text is a JSON object with a
// summary, optionally inside a code fence, and a FreeTextPlan otherwise.
func ParsePlan(text string) Plan {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		trimmed = strings.TrimSpace(trimmed)
	}
	if strings.HasPrefix(trimmed, "{") {
		var plan StructuredPlan
		if err := json.Unmarshal([]byte(trimmed), &plan); err == nil && plan.Summary != "" {
			return &plan
		}
	}
	return FreeTextPlan(text)
}

// buildPass is what one builder pass is asked to fix.
type buildPass struct {
	attempt          int
	issues           []string
	validationErrors []string
	runtimeErrors    []string
}

// build runs the builder agent once. Agent failures are reported in the log
// with status timeout or error; the files written before the failure are
// still recorded.
func (d *Deps) build(ctx context.Context, st *RunState, pass buildPass) (*Update, error) {
	if st.Sandbox == nil {
		return nil, errSandboxUnavailable
	}
	message := "Starting to build the application..."
	if pass.attempt > 1 {
		message = fmt.Sprintf("Retrying build (attempt %d)", pass.attempt)
	}
	d.Events.Send(ctx, forge.EventBuilderStarted, message, map[string]any{"attempt": pass.attempt})

	ws := toolkit.NewWorkspace(toolkit.WorkspaceOptions{
		Sandbox:   st.Sandbox,
		Root:      d.Settings.AppRoot,
		ProjectID: st.ProjectID,
		Target:    d.Settings.Target,
		Store:     d.Store,
		Events:    d.Events,
		Logger:    d.Logger,
	})

	var (
		tools        []forge.Tool
		systemPrompt string
		prompt       string
		sentinel     string
		err          error
	)
	switch d.Settings.ToolMode {
	case ToolModeMultiFile:
		// Multi-file passes keep going after the target is written so the
		// model can add components, install packages and test the build.
		// They end on the model's own stop, the tool call cap or the timeout.
		tools = toolkit.MultiFileTools(ws, d.Settings.CommandPolicy)
		systemPrompt = multiFileSystemPrompt
		prompt, err = render(multiFileBuilderTemplate, multiFileBuilderData{
			Plan:             st.PlanText(),
			ValidationErrors: pass.validationErrors,
			RuntimeErrors:    pass.runtimeErrors,
			Target:           ws.Target(),
			Product:          st.Context,
		})
	default:
		tools = toolkit.PageTools(ws)
		systemPrompt = pageSystemPrompt
		sentinel = ws.Sentinel()
		prompt, err = render(pageBuilderTemplate, pageBuilderData{
			Plan:     st.PlanText(),
			Issues:   pass.issues,
			Target:   ws.Target(),
			Sentinel: ws.Sentinel(),
			Product:  st.Context,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("rendering builder prompt: %w", err)
	}

	builder, err := agent.New(agent.Options{
		Name:          "builder",
		Model:         d.Model,
		SystemPrompt:  systemPrompt,
		Tools:         tools,
		ModelOptions:  d.Settings.ModelOptions,
		ToolCallLimit: d.Settings.ToolCallLimit,
		Timeout:       d.Settings.BuilderTimeout,
		Sentinel:      sentinel,
		Events:        d.Events,
		Logger:        d.Logger,
	})
	if err != nil {
		return nil, err
	}
	result, runErr := builder.Run(ctx, []*llm.Message{llm.NewUserTextMessage(prompt)})

	created, modified := ws.Files().Created(), ws.Files().Modified()
	update := &Update{
		CurrentNode:      StageBuilder,
		FilesCreated:     created,
		FilesModified:    modified,
		ValidationPassed: ptr(false),
	}
	detail := map[string]any{
		"attempt":        pass.attempt,
		"files_created":  created,
		"files_modified": modified,
	}
	if result != nil {
		detail["tool_calls"] = len(result.ToolCalls)
	}
	detail["target_written"] = ws.Files().Wrote(ws.Target())

	switch {
	case runErr == nil:
		d.Events.Send(ctx, forge.EventBuilderComplete, "Building completed", map[string]any{
			"files_created":  created,
			"files_modified": modified,
		})
		update.Log = []LogEntry{{Node: StageBuilder, Status: StatusCompleted, Detail: detail}}
	case errors.Is(runErr, agent.ErrTimeout):
		msg := fmt.Sprintf("Builder agent timed out after %s", d.Settings.BuilderTimeout)
		d.Logger.Warn("builder timed out", "project_id", st.ProjectID, "attempt", pass.attempt)
		d.Events.Send(ctx, forge.EventBuilderError, msg, nil)
		detail["error"] = msg
		update.Log = []LogEntry{{Node: StageBuilder, Status: StatusTimeout, Detail: detail}}
	default:
		msg := fmt.Sprintf("Builder agent execution error: %v", runErr)
		d.Logger.Error("builder failed", "project_id", st.ProjectID, "attempt", pass.attempt, "error", runErr)
		d.Events.Send(ctx, forge.EventBuilderError, msg, nil)
		detail["error"] = msg
		update.Log = []LogEntry{{Node: StageBuilder, Status: StatusError, Detail: detail}}
	}
	return update, nil
}
