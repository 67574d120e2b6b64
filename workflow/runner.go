package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/deepnoodle-ai/forge"
	"github.com/deepnoodle-ai/forge/llm"
	"github.com/deepnoodle-ai/forge/sandbox"
	"github.com/deepnoodle-ai/forge/session"
	"github.com/deepnoodle-ai/forge/slogger"
)

// ErrRunInProgress is returned when a project already has an active run and
// the caller did not ask to wait.
var ErrRunInProgress = errors.New("a run is already in progress for this project")

// Sandboxes binds projects to sandboxes. *sandbox.Manager implements it.
type Sandboxes interface {
	Acquire(ctx context.Context, projectID string) (sandbox.Sandbox, error)
	Release(ctx context.Context, projectID string) bool
	ScheduleExpiry(projectID string, ttl time.Duration)
	// Pin marks the project's sandbox in use until unpin is called.
	Pin(projectID string) (unpin func())
}

var _ Sandboxes = (*sandbox.Manager)(nil)

// RunnerOptions configure a Runner.
type RunnerOptions struct {
	Model     llm.LLM
	Sandboxes Sandboxes

	// Store records prompts, plans, progress and summaries. Optional.
	Store session.Store

	Settings Settings

	// ReleaseDelay schedules the project's sandbox for release after each
	// run. Zero uses sandbox.DefaultReleaseDelay and a negative value keeps
	// the sandbox until it is released explicitly.
	ReleaseDelay time.Duration

	Logger slogger.Logger
}

// Request is one user request for a project.
type Request struct {
	ProjectID string
	Prompt    string

	// Context turns the run into a creative landing page run.
	Context *ProjectContext

	// Events receives progress events. Optional.
	Events forge.EventSink

	// Wait blocks until an active run of the same project finishes instead
	// of failing with ErrRunInProgress.
	Wait bool
}

// Runner runs workflows, at most one at a time per project.
type Runner struct {
	opts     RunnerOptions
	logger   slogger.Logger
	mu       sync.Mutex
	settings Settings
	active   map[string]chan struct{}
}

func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Model == nil {
		return nil, errors.New("model is required")
	}
	if opts.Sandboxes == nil {
		return nil, errors.New("sandboxes are required")
	}
	if err := opts.Settings.Validate(); err != nil {
		return nil, err
	}
	opts.Settings = opts.Settings.withDefaults()
	if opts.ReleaseDelay == 0 {
		opts.ReleaseDelay = sandbox.DefaultReleaseDelay
	}
	return &Runner{
		opts:     opts,
		logger:   slogger.OrDefault(opts.Logger),
		settings: opts.Settings,
		active:   map[string]chan struct{}{},
	}, nil
}

// Settings returns the settings new runs use.
func (r *Runner) Settings() Settings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings
}

// SetSettings replaces the settings of subsequent runs. Active runs keep
// the settings they started with.
func (r *Runner) SetSettings(settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.settings = settings.withDefaults()
	r.mu.Unlock()
	return nil
}

// Busy reports whether the project has an active run.
func (r *Runner) Busy(projectID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[projectID]
	return ok
}

func (r *Runner) lock(ctx context.Context, projectID string, wait bool) (func(), error) {
	for {
		r.mu.Lock()
		done, busy := r.active[projectID]
		if !busy {
			done = make(chan struct{})
			r.active[projectID] = done
			r.mu.Unlock()
			return func() {
				r.mu.Lock()
				delete(r.active, projectID)
				r.mu.Unlock()
				close(done)
			}, nil
		}
		r.mu.Unlock()
		if !wait {
			return nil, ErrRunInProgress
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-done:
		}
	}
}

// persistSink records events as assistant messages. Thinking chunks are
// persisted by the planner as one message, and context_saved messages by the
// save_context tool.
func (r *Runner) persistSink(projectID string) forge.EventSink {
	if r.opts.Store == nil {
		return nil
	}
	return forge.EventSinkFunc(func(ctx context.Context, event *forge.Event) error {
		switch event.Kind {
		case forge.EventThinking, forge.EventContextSaved:
			return nil
		}
		content := event.Message
		if content == "" {
			content = string(event.Kind)
		}
		return r.opts.Store.Create(ctx, session.NewMessage(projectID, session.RoleAssistant, content, string(event.Kind)))
	})
}

// Run executes the configured workflow for one request and returns its
// final state. Stage failures are part of the state; an error is returned
// only when the run could not start, a sandbox could not be obtained, or
// ctx was cancelled between stages.
func (r *Runner) Run(ctx context.Context, req Request) (State, error) {
	if strings.TrimSpace(req.ProjectID) == "" {
		return nil, errors.New("project id is required")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, errors.New("prompt is required")
	}
	unlock, err := r.lock(ctx, req.ProjectID, req.Wait)
	if err != nil {
		return nil, err
	}
	defer unlock()

	settings := r.Settings()
	logger := r.logger.With("project_id", req.ProjectID)
	if r.opts.Store != nil {
		msg := session.NewMessage(req.ProjectID, session.RoleUser, req.Prompt, "")
		if err := r.opts.Store.Create(ctx, msg); err != nil {
			logger.Warn("failed to persist prompt", "error", err)
		}
	}
	events := forge.NewEmitter(forge.Tee(r.persistSink(req.ProjectID), req.Events), logger)

	// The pin keeps idle sweeps off the sandbox while the graph runs.
	unpin := r.opts.Sandboxes.Pin(req.ProjectID)
	sb, err := r.opts.Sandboxes.Acquire(ctx, req.ProjectID)
	if err != nil {
		unpin()
		events.Send(ctx, forge.EventComplete, "Could not obtain a sandbox", map[string]any{"success": false})
		return nil, fmt.Errorf("acquire sandbox: %w", err)
	}
	defer func() {
		unpin()
		if r.opts.ReleaseDelay > 0 {
			r.opts.Sandboxes.ScheduleExpiry(req.ProjectID, r.opts.ReleaseDelay)
		}
	}()

	base := RunState{
		ProjectID:  req.ProjectID,
		UserPrompt: req.Prompt,
		Context:    req.Context,
		MaxRetries: settings.MaxRetries,
		Sandbox:    sb,
	}
	deps := Deps{
		Model:    r.opts.Model,
		Store:    r.opts.Store,
		Events:   events,
		Logger:   logger,
		Settings: settings,
	}

	started := time.Now()
	logger.Info("run started", "variant", settings.Variant)
	var state State
	switch settings.Variant {
	case VariantTwoGate:
		s := &TwoGateState{RunState: base, GlobalRetryCap: settings.GlobalRetryCap}
		state, err = s, NewTwoGateGraph(deps).Run(ctx, s)
	default:
		s := &LinearState{RunState: base}
		state, err = s, NewLinearGraph(deps).Run(ctx, s)
	}
	final := state.Base()
	logger.Info("run finished",
		"success", final.Success,
		"trail", strings.Join(final.Trail(), ","),
		"duration", time.Since(started).Round(time.Millisecond))

	if r.opts.Store != nil {
		msg := session.NewMessage(req.ProjectID, session.RoleAssistant, Summary(state), session.EventTypeSummary)
		if err := r.opts.Store.Create(ctx, msg); err != nil {
			logger.Warn("failed to persist summary", "error", err)
		}
	}
	events.Send(ctx, forge.EventComplete, "Workflow completed", map[string]any{"success": final.Success})
	return state, err
}

// Summary renders the outcome of a run as the message stored at its end.
func Summary(state State) string {
	s := state.Base()
	var lines []string
	if s.Plan != nil {
		lines = append(lines, "Plan created")
	}
	for _, e := range s.Log {
		if e.Node == StageBuilder {
			lines = append(lines, "Build completed")
			break
		}
	}
	var unresolved []string
	switch st := state.(type) {
	case *LinearState:
		if !st.ValidationPassed {
			unresolved = st.CurrentIssues
		}
	case *TwoGateState:
		if !st.RuntimePassed {
			unresolved = append(unresolved, st.CurrentErrors[RetryValidation]...)
			unresolved = append(unresolved, st.CurrentErrors[RetryRuntime]...)
		}
	}
	switch {
	case s.ErrorMessage != "":
		lines = append(lines, "Finished with errors: "+s.ErrorMessage)
	case !s.Success:
		lines = append(lines, "Finished with errors: the application did not start")
	case len(unresolved) > 0:
		lines = append(lines, fmt.Sprintf("Application is running with %d unresolved issues", len(unresolved)))
	default:
		lines = append(lines, "Application is running")
	}
	return strings.Join(lines, "\n")
}
