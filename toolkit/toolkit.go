// Package toolkit provides the tools a builder agent uses to work on a
// project inside a sandbox.
//
// # Tool Sets
//
// Multi-file mode ([MultiFileTools]) exposes the whole project:
//   - [CreateFileTool], [ReadFileTool], [DeleteFileTool]: single file operations
//   - [WriteMultipleFilesTool]: write a JSON manifest of files at once
//   - [ListDirectoryTool]: render the project tree
//   - [ExecuteCommandTool]: run a shell command, subject to a [CommandPolicy]
//   - [TestBuildTool]: reinstall dependencies and run the production build
//   - [CheckMissingPackagesTool]: statically find imports missing from package.json
//   - [GetContextTool], [SaveContextTool]: project memory across runs
//
// Single-file mode ([PageTools]) exposes only read_file and create_file, both
// bound to one target page.
//
// Every tool reports failures as error results, never as Go errors, and
// emits progress events through the workspace's [forge.Emitter].
package toolkit

import (
	"context"
	"path"

	"github.com/deepnoodle-ai/forge"
	"github.com/deepnoodle-ai/forge/sandbox"
	"github.com/deepnoodle-ai/forge/session"
	"github.com/deepnoodle-ai/forge/slogger"
)

const (
	// DefaultTargetFile is the page written in single-file mode.
	DefaultTargetFile = "src/pages/Home.jsx"

	// MaxCommandOutput is how much command output a tool result carries.
	MaxCommandOutput = 500

	// MaxBuildError is how much failed build output a tool result carries.
	MaxBuildError = 1000
)

// WorkspaceOptions configure a Workspace.
type WorkspaceOptions struct {
	Sandbox sandbox.Sandbox

	// Root is the project directory inside the sandbox.
	Root string

	ProjectID string

	// Target is the project-relative page whose write ends a build pass.
	Target string

	// Store backs get_context and save_context. Optional.
	Store session.Store

	Events *forge.Emitter
	Logger slogger.Logger
}

// Workspace is the state shared by the tools of one builder pass.
type Workspace struct {
	sandbox   sandbox.Sandbox
	root      string
	projectID string
	target    string
	store     session.Store
	events    *forge.Emitter
	logger    slogger.Logger
	files     *FileTracker
}

func NewWorkspace(opts WorkspaceOptions) *Workspace {
	if opts.Root == "" {
		opts.Root = sandbox.DefaultAppRoot
	}
	if opts.Target == "" {
		opts.Target = DefaultTargetFile
	}
	return &Workspace{
		sandbox:   opts.Sandbox,
		root:      opts.Root,
		projectID: opts.ProjectID,
		target:    sandbox.CleanRelative(opts.Target),
		store:     opts.Store,
		events:    opts.Events,
		logger:    slogger.OrDefault(opts.Logger),
		files:     NewFileTracker(),
	}
}

func (w *Workspace) Root() string { return w.root }

// Target returns the project-relative target page.
func (w *Workspace) Target() string { return w.target }

// Files returns the tracker of files written through this workspace.
func (w *Workspace) Files() *FileTracker { return w.files }

// Sentinel is the text a writer tool returns once the target page has been
// written. The builder stops its tool loop when it sees it.
func (w *Workspace) Sentinel() string {
	return Sentinel(w.target)
}

// Sentinel returns the completion marker for a target page.
func Sentinel(target string) string {
	return path.Base(target) + " updated successfully"
}

func (w *Workspace) emit(ctx context.Context, kind forge.EventKind, message string, data map[string]any) {
	w.events.Send(ctx, kind, message, data)
}

// MultiFileTools returns the full tool set. A nil policy allows every
// command.
func MultiFileTools(ws *Workspace, policy *CommandPolicy) []forge.Tool {
	return []forge.Tool{
		NewCreateFileTool(ws),
		NewReadFileTool(ws),
		NewDeleteFileTool(ws),
		NewExecuteCommandTool(ws, policy),
		NewListDirectoryTool(ws),
		NewWriteMultipleFilesTool(ws),
		NewTestBuildTool(ws),
		NewCheckMissingPackagesTool(ws),
		NewGetContextTool(ws),
		NewSaveContextTool(ws),
	}
}

// PageTools returns read_file and create_file bound to the target page.
func PageTools(ws *Workspace) []forge.Tool {
	return []forge.Tool{
		NewReadPageTool(ws),
		NewWritePageTool(ws),
	}
}
