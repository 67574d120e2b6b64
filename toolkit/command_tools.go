package toolkit

import (
	"context"
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/forge"
	"github.com/deepnoodle-ai/forge/sandbox"
	"github.com/deepnoodle-ai/forge/schema"
)

var (
	_ forge.TypedTool[*ExecuteCommandInput] = &ExecuteCommandTool{}
	_ forge.TypedTool[*struct{}]            = &TestBuildTool{}
)

type ExecuteCommandInput struct {
	Command string `json:"command"`
}

// ExecuteCommandTool runs a shell command in the project root.
type ExecuteCommandTool struct {
	ws     *Workspace
	policy *CommandPolicy
}

func NewExecuteCommandTool(ws *Workspace, policy *CommandPolicy) *forge.TypedToolAdapter[*ExecuteCommandInput] {
	return forge.ToolAdapter(&ExecuteCommandTool{ws: ws, policy: policy})
}

func (t *ExecuteCommandTool) Name() string {
	return "execute_command"
}

func (t *ExecuteCommandTool) Description() string {
	return "Execute a shell command in the project root, for example to install a package with npm install. Output is truncated."
}

func (t *ExecuteCommandTool) Schema() *schema.Schema {
	return &schema.Schema{
		Type:     schema.Object,
		Required: []string{"command"},
		Properties: map[string]*schema.Property{
			"command": {
				Type:        schema.String,
				Description: "The shell command to execute",
			},
		},
	}
}

func (t *ExecuteCommandTool) Annotations() *forge.ToolAnnotations {
	return &forge.ToolAnnotations{
		Title:           "Execute Command",
		DestructiveHint: true,
		OpenWorldHint:   true,
	}
}

func (t *ExecuteCommandTool) Call(ctx context.Context, input *ExecuteCommandInput) (*forge.ToolResult, error) {
	ws := t.ws
	cmd := strings.TrimSpace(input.Command)
	if cmd == "" {
		return forge.NewToolResultError("Error: No command provided."), nil
	}
	if err := t.policy.Check(cmd); err != nil {
		return forge.NewToolResultError(fmt.Sprintf("Command '%s' rejected: %v", cmd, err)), nil
	}
	ws.emit(ctx, forge.EventCommandStarted, "Running "+cmd, map[string]any{"command": cmd})
	res, err := ws.sandbox.Commands().Run(ctx, cmd, sandbox.RunOptions{Cwd: ws.root})
	if err != nil {
		msg := fmt.Sprintf("Command '%s' failed with error: %v", cmd, err)
		ws.emit(ctx, forge.EventCommandFailed, msg, map[string]any{"command": cmd})
		return forge.NewToolResultError(msg), nil
	}
	if res.ExitCode != 0 {
		msg := fmt.Sprintf("Command '%s' failed with exit code %d. Error: %s", cmd, res.ExitCode, truncate(res.Stderr, MaxCommandOutput))
		ws.emit(ctx, forge.EventCommandFailed, msg, map[string]any{"command": cmd, "exit_code": res.ExitCode})
		return forge.NewToolResultError(msg), nil
	}
	output := truncate(res.Stdout, MaxCommandOutput)
	if len(output) < len(res.Stdout) {
		output += "..."
	}
	ws.emit(ctx, forge.EventCommandExecuted, "Executed "+cmd, map[string]any{"command": cmd})
	return forge.NewToolResultText(fmt.Sprintf("Command '%s' executed successfully. Output: %s", cmd, output)), nil
}

// TestBuildTool reinstalls dependencies and runs the production build.
type TestBuildTool struct {
	ws *Workspace
}

func NewTestBuildTool(ws *Workspace) *forge.TypedToolAdapter[*struct{}] {
	return forge.ToolAdapter(&TestBuildTool{ws: ws})
}

func (t *TestBuildTool) Name() string {
	return "test_build"
}

func (t *TestBuildTool) Description() string {
	return "Install dependencies and run the production build to check that the application compiles. Use it after making changes."
}

func (t *TestBuildTool) Schema() *schema.Schema {
	return schema.Empty()
}

func (t *TestBuildTool) Annotations() *forge.ToolAnnotations {
	return &forge.ToolAnnotations{
		Title:          "Test Build",
		IdempotentHint: true,
		OpenWorldHint:  true,
	}
}

func (t *TestBuildTool) Call(ctx context.Context, _ *struct{}) (*forge.ToolResult, error) {
	ws := t.ws
	ws.emit(ctx, forge.EventBuildTestStarted, "Testing build", nil)
	run := func(cmd string) (*sandbox.CommandResult, error) {
		return ws.sandbox.Commands().Run(ctx, cmd, sandbox.RunOptions{Cwd: ws.root})
	}

	install, err := run("rm -rf node_modules/.vite-temp && npm install")
	if err == nil && install.ExitCode != 0 {
		return t.failed(ctx, install), nil
	}
	var build *sandbox.CommandResult
	if err == nil {
		build, err = run("npm run build")
	}
	if err != nil {
		msg := fmt.Sprintf("Build test failed with error: %v", err)
		ws.emit(ctx, forge.EventBuildTestFailed, msg, nil)
		return forge.NewToolResultError(msg), nil
	}
	if build.ExitCode != 0 {
		return t.failed(ctx, build), nil
	}
	ws.emit(ctx, forge.EventBuildTestPassed, "Build test passed", nil)
	return forge.NewToolResultText("Build test PASSED. Application builds successfully.\n\nBuild output:\n" +
		truncate(build.Stdout, MaxCommandOutput)), nil
}

func (t *TestBuildTool) failed(ctx context.Context, res *sandbox.CommandResult) *forge.ToolResult {
	output := res.Stderr
	if strings.TrimSpace(output) == "" {
		output = res.Stdout
	}
	msg := fmt.Sprintf("Build test FAILED with exit code %d.\n\nError:\n%s", res.ExitCode, truncate(output, MaxBuildError))
	t.ws.emit(ctx, forge.EventBuildTestFailed, fmt.Sprintf("Build failed with exit code %d", res.ExitCode),
		map[string]any{"exit_code": res.ExitCode})
	return forge.NewToolResultError(msg)
}
