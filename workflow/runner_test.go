package workflow

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deepnoodle-ai/forge"
	"github.com/deepnoodle-ai/forge/llm"
	"github.com/deepnoodle-ai/forge/llm/llmtest"
	"github.com/deepnoodle-ai/forge/sandbox"
	"github.com/deepnoodle-ai/forge/sandbox/sandboxtest"
	"github.com/deepnoodle-ai/forge/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSandboxes struct {
	sb *sandboxtest.Sandbox

	mu        sync.Mutex
	acquired  int
	scheduled []string
	pins      int
	unpins    int
}

func (f *fakeSandboxes) Acquire(ctx context.Context, projectID string) (sandbox.Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquired++
	return f.sb, nil
}

func (f *fakeSandboxes) Release(ctx context.Context, projectID string) bool {
	return true
}

func (f *fakeSandboxes) ScheduleExpiry(projectID string, ttl time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, projectID)
}

func (f *fakeSandboxes) Pin(projectID string) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pins++
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.unpins++
	}
}

// pageScript plans, then writes each page in turn through the single-file
// tools, reading the page before every write.
func pageScript(pages ...string) *llmtest.Scripted {
	steps := []llmtest.Step{llmtest.Text("1. Build a counter in Home.jsx")}
	for i, page := range pages {
		id := string(rune('a' + i))
		steps = append(steps,
			llmtest.ToolCall("read_"+id, "read_file", map[string]any{}),
			llmtest.ToolCall("write_"+id, "create_file", map[string]any{"content": page}),
		)
	}
	return llmtest.New(steps...)
}

func newTestRunner(t *testing.T, model llm.LLM, sandboxes Sandboxes, store session.Store, settings Settings) *Runner {
	t.Helper()
	r, err := NewRunner(RunnerOptions{
		Model:     model,
		Sandboxes: sandboxes,
		Store:     store,
		Settings:  settings,
	})
	require.NoError(t, err)
	return r
}

func TestRunValidatorFailsOnceThenPasses(t *testing.T) {
	ctx := context.Background()
	model := pageScript(badPage, goodPage)
	sandboxes := &fakeSandboxes{sb: sandboxtest.NewSandbox("sbx")}
	store := session.NewMemoryStore()
	events := &forge.EventRecorder{}
	r := newTestRunner(t, model, sandboxes, store, Settings{MaxRetries: 1})

	state, err := r.Run(ctx, Request{ProjectID: "p1", Prompt: "build a counter app", Events: events})
	require.NoError(t, err)

	final := state.Base()
	assert.Equal(t, []string{
		"planner:completed",
		"builder:completed",
		"validator:failed",
		"builder:completed",
		"validator:passed",
		"executor:completed",
	}, final.Trail())
	assert.True(t, final.Success)
	assert.Equal(t, []string{"src/pages/Home.jsx"}, final.FilesCreated)
	assert.Equal(t, []string{"src/pages/Home.jsx"}, final.FilesModified)

	linear := state.(*LinearState)
	assert.Equal(t, 2, linear.RetryCount)
	assert.Contains(t, linear.ValidationIssues, "Missing React imports")

	content, ok := sandboxes.sb.File(root + "/src/pages/Home.jsx")
	require.True(t, ok)
	assert.Equal(t, goodPage, content)

	calls := model.Calls()
	require.Len(t, calls, 5)
	retryPrompt := calls[3].Messages[0].Text()
	assert.Contains(t, retryPrompt, "THE PREVIOUS BUILD FAILED VALIDATION")
	assert.Contains(t, retryPrompt, "1. Missing React imports")

	kinds := events.Kinds()
	assert.Equal(t, forge.EventPlannerStarted, kinds[0])
	assert.Equal(t, forge.EventComplete, kinds[len(kinds)-1])
	assert.Equal(t, true, events.Events()[len(kinds)-1].Data["success"])

	var retried bool
	for _, e := range events.Events() {
		if e.Kind == forge.EventBuilderStarted && e.Message == "Retrying build (attempt 2)" {
			retried = true
		}
	}
	assert.True(t, retried)
	assert.Equal(t, 1, sandboxes.acquired)
	assert.Equal(t, []string{"p1"}, sandboxes.scheduled)
	assert.False(t, r.Busy("p1"))
}

func TestRunPersistsMessages(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryStore()
	r := newTestRunner(t, pageScript(goodPage), &fakeSandboxes{sb: sandboxtest.NewSandbox("sbx")}, store, Settings{})

	_, err := r.Run(ctx, Request{ProjectID: "p1", Prompt: "build a counter app"})
	require.NoError(t, err)

	msgs, err := store.FindMany(ctx, session.Filter{ProjectID: "p1"}, session.OrderAsc)
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	assert.Equal(t, session.RoleUser, msgs[0].Role)
	assert.Equal(t, "build a counter app", msgs[0].Content)

	last := msgs[len(msgs)-1]
	assert.Equal(t, string(forge.EventComplete), last.EventType)
	summary := msgs[len(msgs)-2]
	assert.Equal(t, session.EventTypeSummary, summary.EventType)
	assert.Equal(t, "Plan created\nBuild completed\nApplication is running", summary.Content)

	types := map[string]bool{}
	for _, m := range msgs {
		types[m.EventType] = true
	}
	assert.True(t, types[session.EventTypePlan])
	assert.True(t, types[string(forge.EventFileCreated)])
	assert.True(t, types[string(forge.EventDevServerStarted)])

	// The next run of the project sees this one as history.
	history, err := session.LoadProjectHistory(ctx, store, "p1", 0)
	require.NoError(t, err)
	require.NotNil(t, history)
	require.Len(t, history.Requests, 1)
	assert.True(t, history.Requests[0].Success)
	assert.Equal(t, []string{"src/pages/Home.jsx"}, history.Memory.FilesCreated)
}

func TestRunWithoutRetries(t *testing.T) {
	ctx := context.Background()
	model := pageScript(badPage)
	r := newTestRunner(t, model, &fakeSandboxes{sb: sandboxtest.NewSandbox("sbx")}, nil, Settings{MaxRetries: 0})

	state, err := r.Run(ctx, Request{ProjectID: "p1", Prompt: "build a counter app"})
	require.NoError(t, err)

	final := state.(*LinearState)
	assert.Equal(t, []string{
		"planner:completed",
		"builder:completed",
		"validator:failed",
		"executor:completed",
	}, final.Trail())
	assert.Equal(t, 1, final.RetryCount)
	assert.NotEmpty(t, final.ValidationIssues)
	assert.True(t, final.Success, "success reflects the executor")
	assert.Equal(t, "Plan created\nBuild completed\nApplication is running with 3 unresolved issues", Summary(state))
}

func TestRunSurvivesBrokenEventSink(t *testing.T) {
	run := func(sink forge.EventSink) *LinearState {
		r := newTestRunner(t, pageScript(badPage, goodPage),
			&fakeSandboxes{sb: sandboxtest.NewSandbox("sbx")},
			session.NewMemoryStore(), Settings{MaxRetries: 1})
		state, err := r.Run(context.Background(), Request{ProjectID: "p1", Prompt: "build a counter app", Events: sink})
		require.NoError(t, err)
		return state.(*LinearState)
	}
	broken := run(forge.EventSinkFunc(func(ctx context.Context, event *forge.Event) error {
		panic("client disconnected")
	}))
	quiet := run(nil)

	assert.Equal(t, quiet.Trail(), broken.Trail())
	assert.Equal(t, quiet.Success, broken.Success)
	assert.Equal(t, quiet.FilesCreated, broken.FilesCreated)
	assert.Equal(t, quiet.FilesModified, broken.FilesModified)
	assert.Equal(t, quiet.ValidationIssues, broken.ValidationIssues)
	assert.Equal(t, quiet.RetryCount, broken.RetryCount)
	assert.Equal(t, quiet.PlanText(), broken.PlanText())
}

func TestRunSerializesProjects(t *testing.T) {
	release := make(chan struct{})
	model := llmtest.New()
	model.Fallback = func(messages []*llm.Message, cfg *llm.Config) (*llm.Response, error) {
		<-release
		return llmtest.Text("done").Response, nil
	}
	r := newTestRunner(t, model, &fakeSandboxes{sb: sandboxtest.NewSandbox("sbx")}, nil, Settings{})

	done := make(chan error, 1)
	go func() {
		_, err := r.Run(context.Background(), Request{ProjectID: "p1", Prompt: "build a counter app"})
		done <- err
	}()
	require.Eventually(t, func() bool { return r.Busy("p1") }, time.Second, time.Millisecond)

	_, err := r.Run(context.Background(), Request{ProjectID: "p1", Prompt: "again"})
	require.ErrorIs(t, err, ErrRunInProgress)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Run(ctx, Request{ProjectID: "p1", Prompt: "again", Wait: true})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, r.Busy("p1"))

	_, err = r.Run(context.Background(), Request{ProjectID: "p1", Prompt: "again", Wait: true})
	require.NoError(t, err)
}

func TestRunRejectsBadRequests(t *testing.T) {
	r := newTestRunner(t, llmtest.New(), &fakeSandboxes{sb: sandboxtest.NewSandbox("sbx")}, nil, Settings{})
	_, err := r.Run(context.Background(), Request{Prompt: "x"})
	assert.Error(t, err)
	_, err = r.Run(context.Background(), Request{ProjectID: "p1", Prompt: " "})
	assert.Error(t, err)

	_, err = NewRunner(RunnerOptions{Model: llmtest.New()})
	assert.Error(t, err)
	_, err = NewRunner(RunnerOptions{Model: llmtest.New(), Sandboxes: &fakeSandboxes{}, Settings: Settings{Variant: "parallel"}})
	assert.Error(t, err)
}

func TestRunTwoGate(t *testing.T) {
	ctx := context.Background()
	sb := sandboxtest.NewSandbox("sbx")
	sb.SetFile(root+"/package.json", `{"dependencies": {"react": "^18", "react-dom": "^18"}}`)
	sb.SetFile(root+"/index.html", "<div id=\"root\"></div>")
	sb.SetFile(root+"/src/App.jsx", "import Home from './pages/Home';\nexport default function App() { return <Home />; }\n")
	builds := 0
	sb.SetHandler(func(sb *sandboxtest.Sandbox, cmd string, opts sandbox.RunOptions) (*sandbox.CommandResult, error) {
		switch {
		case strings.HasPrefix(cmd, "find src"):
			return &sandbox.CommandResult{Stdout: "src/App.jsx\nsrc/pages/Home.jsx\n"}, nil
		case cmd == "npm run build":
			builds++
			if builds == 1 {
				return &sandbox.CommandResult{ExitCode: 1, Stderr: "Could not resolve ./Counter"}, nil
			}
		}
		return &sandbox.CommandResult{}, nil
	})
	write := map[string]any{"file_path": "src/pages/Home.jsx", "content": goodPage}
	model := llmtest.New(
		llmtest.Text("1. Build a counter"),
		llmtest.ToolCall("w1", "create_file", write),
		llmtest.Text("Home.jsx is written."),
		llmtest.ToolCall("w2", "create_file", write),
		llmtest.Text("Home.jsx is rewritten."),
	)
	r := newTestRunner(t, model, &fakeSandboxes{sb: sb}, nil, Settings{Variant: VariantTwoGate, MaxRetries: 1})

	state, err := r.Run(ctx, Request{ProjectID: "p1", Prompt: "build a counter app"})
	require.NoError(t, err)
	final, ok := state.(*TwoGateState)
	require.True(t, ok)
	assert.Equal(t, []string{
		"planner:completed",
		"builder:completed",
		"validator:passed",
		"checker:failed",
		"builder:completed",
		"validator:passed",
		"checker:passed",
	}, final.Trail())
	assert.True(t, final.Success)
	assert.Equal(t, map[RetryCategory]int{RetryRuntime: 1}, final.Retries)
	assert.Equal(t, []string{"Build failed with exit code 1: Could not resolve ./Counter"}, final.RuntimeErrors)

	calls := model.Calls()
	require.Len(t, calls, 5)
	assert.Equal(t, multiFileSystemPrompt, calls[1].Config.SystemPrompt)
	assert.Contains(t, calls[3].Messages[0].Text(), "The application failed its runtime checks")
	assert.Contains(t, calls[3].Messages[0].Text(), "Could not resolve ./Counter")
}

const heroHome = `import React from 'react';
import Hero from '../components/Hero';

export default function Home() {
  return <Hero />;
}
`

const heroComponent = `import React from 'react';

export default function Hero() {
  return <h1>Welcome</h1>;
}
`

func TestRunMultiFileContinuesAfterTarget(t *testing.T) {
	ctx := context.Background()
	sb := sandboxtest.NewSandbox("sbx")
	sb.SetFile(root+"/package.json", `{"dependencies": {"react": "^18", "react-dom": "^18"}}`)
	sb.SetFile(root+"/index.html", "<div id=\"root\"></div>")
	sb.SetFile(root+"/src/App.jsx", "import Home from './pages/Home';\nexport default function App() { return <Home />; }\n")
	sb.SetHandler(func(sb *sandboxtest.Sandbox, cmd string, opts sandbox.RunOptions) (*sandbox.CommandResult, error) {
		if strings.HasPrefix(cmd, "find src") {
			return &sandbox.CommandResult{Stdout: "src/App.jsx\nsrc/pages/Home.jsx\nsrc/components/Hero.jsx\n"}, nil
		}
		return &sandbox.CommandResult{}, nil
	})
	model := llmtest.New(
		llmtest.Text("1. Home renders a Hero component"),
		llmtest.ToolCall("home", "create_file", map[string]any{"file_path": "src/pages/Home.jsx", "content": heroHome}),
		llmtest.ToolCall("hero", "create_file", map[string]any{"file_path": "src/components/Hero.jsx", "content": heroComponent}),
		llmtest.ToolCall("ctx", "save_context", map[string]any{"semantic": "A landing page with a hero"}),
		llmtest.Text("The page and its Hero component are in place."),
	)
	store := session.NewMemoryStore()
	r := newTestRunner(t, model, &fakeSandboxes{sb: sb}, store, Settings{Variant: VariantTwoGate})

	state, err := r.Run(ctx, Request{ProjectID: "p1", Prompt: "a landing page with a hero"})
	require.NoError(t, err)
	final := state.Base()
	assert.True(t, final.Success)
	assert.Equal(t, []string{
		"planner:completed",
		"builder:completed",
		"validator:passed",
		"checker:passed",
	}, final.Trail())
	assert.Equal(t, []string{"src/pages/Home.jsx", "src/components/Hero.jsx"}, final.FilesCreated)

	hero, ok := sb.File(root + "/src/components/Hero.jsx")
	require.True(t, ok)
	assert.Equal(t, heroComponent, hero)
	assert.Len(t, model.Calls(), 5)

	mem, err := session.LoadMemory(ctx, store, "p1")
	require.NoError(t, err)
	require.NotNil(t, mem)
	assert.Equal(t, "A landing page with a hero", mem.Semantic)
	assert.Equal(t, []string{"src/pages/Home.jsx", "src/components/Hero.jsx"}, mem.FilesCreated)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// hookedModel runs before ahead of the given zero-based generation.
type hookedModel struct {
	*llmtest.Scripted
	at     int
	before func()
}

func (m *hookedModel) Generate(ctx context.Context, messages []*llm.Message, opts ...llm.Option) (*llm.Response, error) {
	if len(m.Calls()) == m.at {
		m.before()
	}
	return m.Scripted.Generate(ctx, messages, opts...)
}

func TestSweepDuringRunKeepsSandbox(t *testing.T) {
	ctx := context.Background()
	provider := sandboxtest.NewProvider()
	clock := &testClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	mgr, err := sandbox.NewManager(sandbox.Options{Provider: provider, TTL: 5 * time.Minute, Clock: clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close(context.Background()) })

	swept := -1
	var inUse bool
	model := &hookedModel{
		Scripted: pageScript(goodPage),
		at:       1,
		before: func() {
			// The builder is slow: the idle window passes mid-run.
			clock.Advance(6 * time.Minute)
			swept = mgr.Sweep(ctx)
			if b := mgr.Bindings(); len(b) == 1 {
				inUse = b[0].InUse
			}
		},
	}
	r, err := NewRunner(RunnerOptions{
		Model:        model,
		Sandboxes:    mgr,
		ReleaseDelay: -1,
	})
	require.NoError(t, err)

	state, err := r.Run(ctx, Request{ProjectID: "p1", Prompt: "build a counter app"})
	require.NoError(t, err)
	assert.Equal(t, 0, swept)
	assert.True(t, inUse)

	final := state.Base()
	assert.True(t, final.Success)
	assert.Equal(t, []string{"planner:completed", "builder:completed", "validator:passed"}, final.Trail()[:3])
	require.Equal(t, 1, provider.Creates())
	assert.False(t, provider.Last().Killed())
	content, ok := provider.Last().File(root + "/src/pages/Home.jsx")
	require.True(t, ok)
	assert.Equal(t, goodPage, content)

	// Once the run ends the binding is idle again and ages out normally.
	bindings := mgr.Bindings()
	require.Len(t, bindings, 1)
	assert.False(t, bindings[0].InUse)
	clock.Advance(6 * time.Minute)
	assert.Equal(t, 1, mgr.Sweep(ctx))
	assert.True(t, provider.Last().Killed())
}

func TestRunnerSetSettings(t *testing.T) {
	r := newTestRunner(t, llmtest.New(), &fakeSandboxes{sb: sandboxtest.NewSandbox("sb")}, nil, DefaultSettings())
	assert.Equal(t, ToolModeSingleFile, r.Settings().ToolMode)

	require.NoError(t, r.SetSettings(Settings{Variant: VariantTwoGate, MaxRetries: 2}))
	s := r.Settings()
	assert.Equal(t, VariantTwoGate, s.Variant)
	assert.Equal(t, ToolModeMultiFile, s.ToolMode)
	assert.Equal(t, 2, s.MaxRetries)

	require.Error(t, r.SetSettings(Settings{ToolMode: "everything"}))
	assert.Equal(t, VariantTwoGate, r.Settings().Variant)
}
