// Package mcpserver exposes page builds to MCP clients.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/deepnoodle-ai/forge"
	"github.com/deepnoodle-ai/forge/sandbox"
	"github.com/deepnoodle-ai/forge/slogger"
	"github.com/deepnoodle-ai/forge/workflow"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	Name    = "forge"
	Version = "0.1.0"

	ToolBuildPage      = "build_page"
	ToolListFiles      = "list_project_files"
	ToolReadFile       = "read_project_file"
	ToolReleaseSandbox = "release_sandbox"
)

// Runner runs workflows. *workflow.Runner implements it.
type Runner interface {
	Run(ctx context.Context, req workflow.Request) (workflow.State, error)
}

// Sandboxes exposes project sandboxes. *sandbox.Manager implements it.
type Sandboxes interface {
	Release(ctx context.Context, projectID string) bool
	ListFiles(ctx context.Context, projectID string) ([]string, error)
	ReadFile(ctx context.Context, projectID, rel string) (sandbox.ReadResult, error)
	Host(ctx context.Context, projectID string) (string, error)
}

var (
	_ Runner    = (*workflow.Runner)(nil)
	_ Sandboxes = (*sandbox.Manager)(nil)
)

type Options struct {
	Runner    Runner
	Sandboxes Sandboxes
	Logger    slogger.Logger
}

type Server struct {
	opts   Options
	logger slogger.Logger
	mcp    *server.MCPServer
}

func New(opts Options) (*Server, error) {
	if opts.Runner == nil {
		return nil, errors.New("runner is required")
	}
	if opts.Sandboxes == nil {
		return nil, errors.New("sandboxes are required")
	}
	s := &Server{opts: opts, logger: slogger.OrDefault(opts.Logger)}
	s.mcp = server.NewMCPServer(Name, Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	s.mcp.AddTool(buildPageTool(), s.handleBuildPage)
	s.mcp.AddTool(mcp.NewTool(ToolListFiles,
		mcp.WithDescription("List the files of a project's sandbox, relative to the app root."),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Project identifier")),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleListFiles)
	s.mcp.AddTool(mcp.NewTool(ToolReadFile,
		mcp.WithDescription("Read a file of a project's sandbox."),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Project identifier")),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path relative to the app root, e.g. src/pages/Home.jsx")),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleReadFile)
	s.mcp.AddTool(mcp.NewTool(ToolReleaseSandbox,
		mcp.WithDescription("Release a project's sandbox now instead of waiting for it to expire."),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Project identifier")),
		mcp.WithDestructiveHintAnnotation(true),
	), s.handleRelease)
	return s, nil
}

func buildPageTool() mcp.Tool {
	return mcp.NewTool(ToolBuildPage,
		mcp.WithDescription("Plan, write and validate a React page for a project in its sandbox, then start the preview server. Returns the run summary and the preview host."),
		mcp.WithString("project_id", mcp.Required(), mcp.Description("Project identifier; runs of the same project share a sandbox and history")),
		mcp.WithString("prompt", mcp.Required(), mcp.Description("What the page should do")),
		mcp.WithString("product_name", mcp.Description("Product name for a landing page")),
		mcp.WithString("product_description", mcp.Description("Product description for a landing page")),
		mcp.WithString("reference_image_url", mcp.Description("Image the landing page must show")),
		mcp.WithBoolean("wait", mcp.Description("Wait for an active run of the project instead of failing")),
	)
}

// MCPServer returns the underlying server, e.g. for an in-process client.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// ServeStdio serves MCP over stdin and stdout until ctx is done.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	return server.NewStdioServer(s.mcp).Listen(ctx, in, out)
}

// BuildResult is the structured outcome of build_page.
type BuildResult struct {
	Success bool     `json:"success"`
	Summary string   `json:"summary"`
	Trail   []string `json:"trail"`
	Host    string   `json:"host,omitempty"`
	Files   []string `json:"files,omitempty"`
}

func (s *Server) handleBuildPage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, err := req.RequireString("project_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	prompt, err := req.RequireString("prompt")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	run := workflow.Request{
		ProjectID: projectID,
		Prompt:    prompt,
		Wait:      req.GetBool("wait", false),
		Events:    s.progressSink(req),
	}
	if name := req.GetString("product_name", ""); name != "" {
		run.Context = &workflow.ProjectContext{
			ProductName:        name,
			ProductDescription: req.GetString("product_description", ""),
			ReferenceImageURL:  req.GetString("reference_image_url", ""),
		}
	}

	state, err := s.opts.Runner.Run(ctx, run)
	if err != nil && state == nil {
		s.logger.Warn("build_page failed", "project_id", projectID, "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("build failed: %v", err)), nil
	}
	final := state.Base()
	result := BuildResult{
		Success: final.Success,
		Summary: workflow.Summary(state),
		Trail:   final.Trail(),
		Files:   append(append([]string(nil), final.FilesCreated...), final.FilesModified...),
	}
	if final.Success {
		if host, err := s.opts.Sandboxes.Host(ctx, projectID); err == nil {
			result.Host = host
		}
	}
	return mcp.NewToolResultStructured(result, formatBuildResult(result)), nil
}

func formatBuildResult(r BuildResult) string {
	var b strings.Builder
	b.WriteString(r.Summary)
	if r.Host != "" {
		fmt.Fprintf(&b, "\nPreview: https://%s", r.Host)
	}
	if len(r.Trail) > 0 {
		fmt.Fprintf(&b, "\nStages: %s", strings.Join(r.Trail, " > "))
	}
	return b.String()
}

// progressSink forwards run events as progress notifications when the
// client asked for them.
func (s *Server) progressSink(req mcp.CallToolRequest) forge.EventSink {
	if req.Params.Meta == nil || req.Params.Meta.ProgressToken == nil {
		return nil
	}
	token := req.Params.Meta.ProgressToken
	var progress int
	return forge.EventSinkFunc(func(ctx context.Context, event *forge.Event) error {
		srv := server.ServerFromContext(ctx)
		if srv == nil {
			return nil
		}
		progress++
		message := event.Message
		if message == "" {
			message = string(event.Kind)
		}
		return srv.SendNotificationToClient(ctx, "notifications/progress", map[string]any{
			"progressToken": token,
			"progress":      progress,
			"message":       message,
		})
	})
}

func (s *Server) handleListFiles(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, err := req.RequireString("project_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	files, err := s.opts.Sandboxes.ListFiles(ctx, projectID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list files: %v", err)), nil
	}
	if len(files) == 0 {
		return mcp.NewToolResultText("No files found"), nil
	}
	return mcp.NewToolResultText(strings.Join(files, "\n")), nil
}

func (s *Server) handleReadFile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, err := req.RequireString("project_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rel, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	result, err := s.opts.Sandboxes.ReadFile(ctx, projectID, rel)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read file: %v", err)), nil
	}
	if err := result.Err(); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(result.Content), nil
}

func (s *Server) handleRelease(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID, err := req.RequireString("project_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	released := s.opts.Sandboxes.Release(ctx, projectID)
	data, err := json.Marshal(map[string]bool{"released": released})
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}
