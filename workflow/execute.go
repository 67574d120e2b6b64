package workflow

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/deepnoodle-ai/forge"
	"github.com/deepnoodle-ai/forge/sandbox"
	"github.com/deepnoodle-ai/forge/toolkit"
)

const (
	buildCommand = "npm run build"
	buildTimeout = 5 * time.Minute
)

// RequiredFiles must exist, relative to the app root, for the runtime check
// to build the project. The target page is always required as well.
var RequiredFiles = []string{"package.json", "index.html", "src/App.jsx"}

// startDevServer stops a stale dev server, ignoring failures, and starts a
// new one in the background.
func (d *Deps) startDevServer(ctx context.Context, sb sandbox.Sandbox) error {
	root := d.Settings.AppRoot
	if _, err := sb.Commands().Run(ctx, stopDevServerCommand, sandbox.RunOptions{Cwd: root}); err != nil {
		d.Logger.Debug("no dev server to stop", "error", err)
	}
	_, err := sb.Commands().Run(ctx, d.Settings.DevServerCommand, sandbox.RunOptions{Background: true, Cwd: root})
	return err
}

// execute is the final stage of the linear variant. It starts the dev
// server when the run wrote any file.
func (d *Deps) execute(ctx context.Context, st *RunState) (*Update, error) {
	if st.Sandbox == nil {
		return nil, errSandboxUnavailable
	}
	d.Events.Send(ctx, forge.EventExecutorStarted, "Starting application execution...", nil)

	if len(st.FilesCreated) == 0 && len(st.FilesModified) == 0 {
		d.Events.Send(ctx, forge.EventExecutorSkipped, "No files were written, skipping execution", nil)
		return &Update{
			CurrentNode: StageExecutor,
			Success:     ptr(true),
			Log:         []LogEntry{{Node: StageExecutor, Status: StatusSkipped}},
		}, nil
	}

	if err := d.startDevServer(ctx, st.Sandbox); err != nil {
		msg := fmt.Sprintf("Failed to start dev server: %v", err)
		d.Logger.Error("dev server failed to start", "project_id", st.ProjectID, "error", err)
		d.Events.Send(ctx, forge.EventDevServerError, msg, nil)
		return &Update{
			CurrentNode:  StageExecutor,
			Success:      ptr(false),
			ErrorMessage: ptr(msg),
			Log:          []LogEntry{{Node: StageExecutor, Status: StatusError, Detail: map[string]any{"error": msg}}},
		}, nil
	}
	d.Events.Send(ctx, forge.EventDevServerStarted, "Dev server started", nil)
	d.Events.Send(ctx, forge.EventExecutorComplete, "Application is ready", nil)
	return &Update{
		CurrentNode: StageExecutor,
		Success:     ptr(true),
		Log:         []LogEntry{{Node: StageExecutor, Status: StatusCompleted}},
	}, nil
}

// runtimeErrors checks that the project files exist and that the
// production build succeeds.
func (d *Deps) runtimeErrors(ctx context.Context, sb sandbox.Sandbox) []string {
	var errs []string
	required := append(append([]string{}, RequiredFiles...), d.Settings.Target)
	for _, rel := range required {
		if _, err := sb.Files().Read(ctx, path.Join(d.Settings.AppRoot, rel)); err != nil {
			errs = append(errs, fmt.Sprintf("Required file %s is missing", rel))
		}
	}
	if len(errs) > 0 {
		return errs
	}
	res, err := sb.Commands().Run(ctx, buildCommand, sandbox.RunOptions{Cwd: d.Settings.AppRoot, Timeout: buildTimeout})
	if err != nil {
		return []string{fmt.Sprintf("Build could not run: %v", err)}
	}
	if res.ExitCode != 0 {
		output := res.Output()
		if len(output) > toolkit.MaxBuildError {
			output = output[:toolkit.MaxBuildError]
		}
		return []string{fmt.Sprintf("Build failed with exit code %d: %s", res.ExitCode, output)}
	}
	return nil
}

// check is the runtime gate of the two-gate variant. A passing project gets
// its dev server started; the run succeeds only if that works too.
func (d *Deps) check(ctx context.Context, st *RunState) (*Update, error) {
	if st.Sandbox == nil {
		return nil, errSandboxUnavailable
	}
	d.Events.Send(ctx, forge.EventCheckerStarted, "Checking the application...", nil)

	errs := d.runtimeErrors(ctx, st.Sandbox)
	if len(errs) == 0 {
		if err := d.startDevServer(ctx, st.Sandbox); err != nil {
			d.Events.Send(ctx, forge.EventDevServerError, fmt.Sprintf("Failed to start dev server: %v", err), nil)
			errs = append(errs, fmt.Sprintf("Dev server failed to start: %v", err))
		} else {
			d.Events.Send(ctx, forge.EventDevServerStarted, "Dev server started", nil)
		}
	}

	if len(errs) > 0 {
		d.Events.Send(ctx, forge.EventCheckerFailed, fmt.Sprintf("Application check failed with %d errors", len(errs)), map[string]any{
			"errors": errs,
		})
		return &Update{
			CurrentNode:   StageChecker,
			Success:       ptr(false),
			RuntimePassed: ptr(false),
			RuntimeErrors: errs,
			CurrentErrors: map[RetryCategory][]string{RetryRuntime: errs},
			SentBack:      ptr(RetryRuntime),
			Log:           []LogEntry{{Node: StageChecker, Status: StatusFailed, Detail: map[string]any{"errors": errs}}},
		}, nil
	}
	d.Events.Send(ctx, forge.EventCheckerPassed, "Application check passed", nil)
	return &Update{
		CurrentNode:   StageChecker,
		Success:       ptr(true),
		RuntimePassed: ptr(true),
		Log:           []LogEntry{{Node: StageChecker, Status: StatusPassed}},
	}, nil
}
