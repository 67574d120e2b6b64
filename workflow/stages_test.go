package workflow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/deepnoodle-ai/forge"
	"github.com/deepnoodle-ai/forge/llm/llmtest"
	"github.com/deepnoodle-ai/forge/sandbox"
	"github.com/deepnoodle-ai/forge/sandbox/sandboxtest"
	"github.com/deepnoodle-ai/forge/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const root = sandbox.DefaultAppRoot

const goodPage = `import React, { useState } from 'react';

export default function Home() {
  const [count, setCount] = useState(0);
  return <button onClick={() => setCount(count + 1)}>{count}</button>;
}
`

const badPage = "<div>hello</div>"

func TestCheckPage(t *testing.T) {
	assert.Empty(t, CheckPage(goodPage, "Home.jsx", nil))
	assert.Equal(t, []string{"Home.jsx is empty or missing"}, CheckPage("  \n", "Home.jsx", nil))
	assert.Equal(t, []string{
		"Missing React imports",
		"Missing export default statement",
		"Missing component function/const declaration",
	}, CheckPage(badPage, "Home.jsx", nil))
}

func TestCheckPageCreative(t *testing.T) {
	product := &ProjectContext{
		ProductName:       "Lumen",
		ReferenceImageURL: "https://cdn.example.com/lumen.png",
		CTALink:           "https://example.com/buy",
	}
	plain := `import React from 'react';
export default function Home() { return <div>Lumen</div>; }`
	issues := CheckPage(plain, "Home.jsx", product)
	assert.Equal(t, []string{
		"Reference image https://cdn.example.com/lumen.png is not used in the page",
		"Call to action does not link to https://example.com/buy",
		"Missing call to action (a button, form or link)",
	}, issues)

	complete := `import React from 'react';
export default function Home() {
  return <main><img src="https://cdn.example.com/lumen.png" /><a href="https://example.com/buy">Buy</a></main>;
}`
	assert.Empty(t, CheckPage(complete, "Home.jsx", product))
}

func TestParsePlan(t *testing.T) {
	plan := ParsePlan("1. Build a counter")
	assert.Equal(t, FreeTextPlan("1. Build a counter"), plan)

	plan = ParsePlan("```json\n{\"summary\": \"Counter app\", \"components\": [\"Counter\"], \"steps\": [\"Write Home.jsx\"]}\n```")
	structured, ok := plan.(*StructuredPlan)
	require.True(t, ok)
	assert.Equal(t, "Counter app", structured.Summary)
	assert.Contains(t, plan.Text(), "Components:\n- Counter\n")
	assert.Contains(t, plan.Text(), "Steps:\n- Write Home.jsx\n")

	assert.IsType(t, FreeTextPlan(""), ParsePlan(`{"not": "a plan"}`))
}

func seedHistory(t *testing.T, store *session.MemoryStore, projectID string) {
	t.Helper()
	ctx := context.Background()
	base := time.Now().Add(-time.Hour).UTC()
	msgs := []*session.Message{
		{ProjectID: projectID, Role: session.RoleUser, Content: "build a todo app"},
		{ProjectID: projectID, Role: session.RoleAssistant, Content: "Created src/pages/Home.jsx", EventType: "file_created"},
		{ProjectID: projectID, Role: session.RoleAssistant, Content: "Plan created\nBuild completed\nApplication is running", EventType: session.EventTypeSummary},
	}
	for i, m := range msgs {
		m.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.Create(ctx, m))
	}
	require.NoError(t, session.SaveMemory(ctx, store, projectID, &session.Memory{
		Semantic: "A todo list app",
		Episodic: "Built the list and the input form",
	}))
}

func TestPlannerUsesProjectHistory(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryStore()
	seedHistory(t, store, "p1")
	require.NoError(t, store.Create(ctx, session.NewMessage("p1", session.RoleUser, "add a dark mode toggle", "")))

	events := &forge.EventRecorder{}
	model := llmtest.New(llmtest.Text("1. Add a toggle"))
	d := Deps{Model: model, Store: store, Events: forge.NewEmitter(events, nil)}.normalized()

	update, err := d.plan(ctx, &RunState{ProjectID: "p1", UserPrompt: "add a dark mode toggle"})
	require.NoError(t, err)
	assert.Equal(t, FreeTextPlan("1. Add a toggle"), update.Plan)
	assert.Nil(t, update.ErrorMessage)
	assert.Equal(t, []string{"planner:completed"}, (&RunState{Log: update.Log}).Trail())

	prompt := model.Calls()[0].Messages[0].Text()
	assert.Contains(t, prompt, "PREVIOUS WORK ON THIS PROJECT")
	assert.Contains(t, prompt, "A todo list app")
	assert.Contains(t, prompt, "1. [SUCCESS] build a todo app")
	assert.NotContains(t, prompt, "[SUCCESS] add a dark mode toggle")
	assert.Contains(t, prompt, "Existing files: 1 files already exist")
	assert.Equal(t, plannerSystemPrompt, model.Calls()[0].Config.SystemPrompt)

	plans, err := store.FindMany(ctx, session.Filter{ProjectID: "p1", EventTypes: []string{session.EventTypePlan}}, session.OrderAsc)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, " **IMPLEMENTATION PLAN**\n\n1. Add a toggle\n", plans[0].Content)

	assert.Equal(t, []forge.EventKind{
		forge.EventPlannerStarted,
		forge.EventGeneratingPlan,
		forge.EventPlannerComplete,
	}, events.Kinds())
}

func TestPlannerNewProject(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryStore()
	require.NoError(t, store.Create(ctx, session.NewMessage("p1", session.RoleUser, "build a counter app", "")))
	model := llmtest.New(llmtest.Text("1. Build a counter"))
	d := Deps{Model: model, Store: store}.normalized()

	_, err := d.plan(ctx, &RunState{ProjectID: "p1", UserPrompt: "build a counter app"})
	require.NoError(t, err)
	prompt := model.Calls()[0].Messages[0].Text()
	assert.NotContains(t, prompt, "PREVIOUS WORK")
	assert.Contains(t, prompt, "build a counter app")
}

func TestPlannerModelFailureDegrades(t *testing.T) {
	ctx := context.Background()
	model := llmtest.New(llmtest.Error(errors.New("quota exceeded")))
	d := Deps{Model: model, Settings: Settings{LLMRetries: 1}}.normalized()

	update, err := d.plan(ctx, &RunState{ProjectID: "p1", UserPrompt: "build a counter app"})
	require.NoError(t, err)
	assert.Equal(t, FreeTextPlan(planFailedText), update.Plan)
	require.NotNil(t, update.ErrorMessage)
	assert.Contains(t, *update.ErrorMessage, "quota exceeded")
	assert.Equal(t, StatusCompleted, update.Log[0].Status)
}

func TestPlannerThinkingPass(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryStore()
	events := &forge.EventRecorder{}
	model := llmtest.New(
		llmtest.Text("Consider a counter component"),
		llmtest.Text("1. Build a counter"),
	)
	d := Deps{
		Model:    model,
		Store:    store,
		Events:   forge.NewEmitter(events, nil),
		Settings: Settings{Thinking: true},
	}.normalized()

	update, err := d.plan(ctx, &RunState{ProjectID: "p1", UserPrompt: "build a counter app"})
	require.NoError(t, err)
	assert.Equal(t, "1. Build a counter", update.Plan.Text())

	var chunks []string
	for _, e := range events.Events() {
		if e.Kind == forge.EventThinking {
			chunks = append(chunks, e.Message)
		}
	}
	assert.Equal(t, "Consider a counter component", strings.Join(chunks, ""))
	assert.Len(t, chunks, 4)

	thinking, err := store.FindMany(ctx, session.Filter{ProjectID: "p1", EventTypes: []string{session.EventTypeThinking}}, session.OrderAsc)
	require.NoError(t, err)
	require.Len(t, thinking, 1)
	assert.Equal(t, "Consider a counter component", thinking[0].Content)
	assert.Equal(t, thinkingSystemPrompt, model.Calls()[0].Config.SystemPrompt)
}

func TestValidatePage(t *testing.T) {
	ctx := context.Background()
	sb := sandboxtest.NewSandbox("sbx")
	events := &forge.EventRecorder{}
	d := Deps{Events: forge.NewEmitter(events, nil)}.normalized()
	st := &RunState{ProjectID: "p1", Sandbox: sb}

	update, err := d.validatePage(ctx, st)
	require.NoError(t, err)
	assert.False(t, *update.ValidationPassed)
	assert.Equal(t, []string{"Could not read Home.jsx file"}, update.ValidationIssues)

	sb.SetFile(root+"/src/pages/Home.jsx", goodPage)
	update, err = d.validatePage(ctx, st)
	require.NoError(t, err)
	assert.True(t, *update.ValidationPassed)
	assert.NotNil(t, update.ValidationIssues)
	assert.Empty(t, update.ValidationIssues)
	assert.Equal(t, StatusPassed, update.Log[0].Status)

	assert.Equal(t, []forge.EventKind{
		forge.EventValidatorStarted,
		forge.EventValidatorFailed,
		forge.EventValidatorStarted,
		forge.EventValidatorPassed,
	}, events.Kinds())
}

func TestValidateCode(t *testing.T) {
	ctx := context.Background()
	sb := sandboxtest.NewSandbox("sbx")
	sb.SetFile(root+"/package.json", `{"dependencies": {"react": "^18"}}`)
	sb.SetFile(root+"/src/pages/Home.jsx", goodPage)
	sb.SetFile(root+"/src/App.jsx", "import Home from './pages/Home';\nimport { motion } from 'framer-motion';\nimport Nav from './Nav';\n")
	sb.SetHandler(func(sb *sandboxtest.Sandbox, cmd string, opts sandbox.RunOptions) (*sandbox.CommandResult, error) {
		if strings.HasPrefix(cmd, "find src") {
			return &sandbox.CommandResult{Stdout: "src/App.jsx\nsrc/pages/Home.jsx\n"}, nil
		}
		return &sandbox.CommandResult{}, nil
	})
	d := Deps{}.normalized()

	update, err := d.validateCode(ctx, &RunState{ProjectID: "p1", Sandbox: sb})
	require.NoError(t, err)
	assert.False(t, *update.ValidationPassed)
	want := []string{
		"Package framer-motion is imported but not declared in package.json",
		`src/App.jsx imports "./Nav", which does not exist`,
	}
	assert.Equal(t, want, update.ValidationIssues)
	assert.Equal(t, RetryValidation, *update.SentBack)
	assert.Equal(t, want, update.CurrentErrors[RetryValidation])
	for _, e := range sb.Ran() {
		assert.True(t, strings.HasPrefix(e.Cmd, "find src"), "validation must not run %q", e.Cmd)
	}
}

func TestExecute(t *testing.T) {
	ctx := context.Background()

	t.Run("skips without files", func(t *testing.T) {
		sb := sandboxtest.NewSandbox("sbx")
		events := &forge.EventRecorder{}
		d := Deps{Events: forge.NewEmitter(events, nil)}.normalized()
		update, err := d.execute(ctx, &RunState{Sandbox: sb})
		require.NoError(t, err)
		assert.True(t, *update.Success)
		assert.Equal(t, StatusSkipped, update.Log[0].Status)
		assert.Empty(t, sb.Ran())
		assert.Contains(t, events.Kinds(), forge.EventExecutorSkipped)
	})

	t.Run("starts the dev server", func(t *testing.T) {
		sb := sandboxtest.NewSandbox("sbx")
		d := Deps{}.normalized()
		update, err := d.execute(ctx, &RunState{Sandbox: sb, FilesModified: []string{"src/pages/Home.jsx"}})
		require.NoError(t, err)
		assert.True(t, *update.Success)
		assert.Equal(t, StatusCompleted, update.Log[0].Status)
		ran := sb.Ran()
		require.Len(t, ran, 2)
		assert.Equal(t, "pkill -f 'vite'", ran[0].Cmd)
		assert.Equal(t, "npm run dev", ran[1].Cmd)
		assert.True(t, ran[1].Opts.Background)
		assert.Equal(t, root, ran[1].Opts.Cwd)
	})

	t.Run("reports a dev server failure", func(t *testing.T) {
		sb := sandboxtest.NewSandbox("sbx")
		sb.SetHandler(func(sb *sandboxtest.Sandbox, cmd string, opts sandbox.RunOptions) (*sandbox.CommandResult, error) {
			if cmd == "pkill -f 'vite'" {
				return nil, errors.New("no process found")
			}
			if opts.Background {
				return nil, errors.New("npm not found")
			}
			return &sandbox.CommandResult{}, nil
		})
		events := &forge.EventRecorder{}
		d := Deps{Events: forge.NewEmitter(events, nil)}.normalized()
		update, err := d.execute(ctx, &RunState{Sandbox: sb, FilesCreated: []string{"src/pages/Home.jsx"}})
		require.NoError(t, err)
		assert.False(t, *update.Success)
		assert.Equal(t, StatusError, update.Log[0].Status)
		assert.Contains(t, *update.ErrorMessage, "npm not found")
		assert.Contains(t, events.Kinds(), forge.EventDevServerError)
	})
}

func TestCheck(t *testing.T) {
	ctx := context.Background()
	sb := sandboxtest.NewSandbox("sbx")
	d := Deps{}.normalized()

	update, err := d.check(ctx, &RunState{Sandbox: sb})
	require.NoError(t, err)
	assert.False(t, *update.RuntimePassed)
	assert.Contains(t, update.RuntimeErrors, "Required file package.json is missing")
	assert.Contains(t, update.RuntimeErrors, "Required file src/pages/Home.jsx is missing")
	assert.Equal(t, RetryRuntime, *update.SentBack)

	for _, f := range []string{"package.json", "index.html", "src/App.jsx", "src/pages/Home.jsx"} {
		sb.SetFile(root+"/"+f, "x")
	}
	builds := 0
	sb.SetHandler(func(sb *sandboxtest.Sandbox, cmd string, opts sandbox.RunOptions) (*sandbox.CommandResult, error) {
		if cmd == "npm run build" {
			builds++
			if builds == 1 {
				return &sandbox.CommandResult{ExitCode: 1, Stderr: "Unexpected token in Home.jsx"}, nil
			}
		}
		return &sandbox.CommandResult{}, nil
	})

	update, err = d.check(ctx, &RunState{Sandbox: sb})
	require.NoError(t, err)
	assert.False(t, *update.Success)
	assert.Equal(t, []string{"Build failed with exit code 1: Unexpected token in Home.jsx"}, update.RuntimeErrors)

	update, err = d.check(ctx, &RunState{Sandbox: sb})
	require.NoError(t, err)
	assert.True(t, *update.Success)
	assert.True(t, *update.RuntimePassed)
	assert.Nil(t, update.SentBack)
	assert.Equal(t, StatusPassed, update.Log[0].Status)
}

func TestSettingsDefaults(t *testing.T) {
	s := Settings{}.withDefaults()
	assert.Equal(t, VariantLinear, s.Variant)
	assert.Equal(t, ToolModeSingleFile, s.ToolMode)
	assert.Equal(t, 0, s.MaxRetries)
	assert.Equal(t, "src/pages/Home.jsx", s.Target)

	s = Settings{Variant: VariantTwoGate}.withDefaults()
	assert.Equal(t, ToolModeMultiFile, s.ToolMode)
	assert.Equal(t, DefaultGlobalRetryCap, s.GlobalRetryCap)

	assert.Equal(t, DefaultMaxRetries, DefaultSettings().MaxRetries)
	assert.Error(t, Settings{Variant: "parallel"}.Validate())
	assert.Error(t, Settings{ToolMode: "everything"}.Validate())
}
