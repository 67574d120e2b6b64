package toolkit

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/forge"
	"github.com/deepnoodle-ai/forge/schema"
)

var (
	_ forge.TypedTool[*CreateFileInput] = &CreateFileTool{}
	_ forge.TypedTool[*FilePathInput]   = &ReadFileTool{}
	_ forge.TypedTool[*FilePathInput]   = &DeleteFileTool{}
)

type CreateFileInput struct {
	FilePath string `json:"file_path"`
	Content  string `json:"content"`
}

type FilePathInput struct {
	FilePath string `json:"file_path"`
}

// CreateFileTool creates or overwrites a project file.
type CreateFileTool struct {
	ws *Workspace
}

func NewCreateFileTool(ws *Workspace) *forge.TypedToolAdapter[*CreateFileInput] {
	return forge.ToolAdapter(&CreateFileTool{ws: ws})
}

func (t *CreateFileTool) Name() string {
	return "create_file"
}

func (t *CreateFileTool) Description() string {
	return "Create a new file or overwrite an existing file in the project. Paths are relative to the project root, e.g. src/components/Button.jsx."
}

func (t *CreateFileTool) Schema() *schema.Schema {
	return &schema.Schema{
		Type:     schema.Object,
		Required: []string{"file_path", "content"},
		Properties: map[string]*schema.Property{
			"file_path": {
				Type:        schema.String,
				Description: "Path of the file relative to the project root",
			},
			"content": {
				Type:        schema.String,
				Description: "Complete content of the file",
			},
		},
	}
}

func (t *CreateFileTool) Annotations() *forge.ToolAnnotations {
	return &forge.ToolAnnotations{
		Title:           "Create File",
		DestructiveHint: true,
		IdempotentHint:  true,
	}
}

func (t *CreateFileTool) Call(ctx context.Context, input *CreateFileInput) (*forge.ToolResult, error) {
	ws := t.ws
	res, err := ws.WriteFile(ctx, input.FilePath, input.Content)
	if err != nil {
		msg := fmt.Sprintf("Failed to create file %s: %v", input.FilePath, err)
		ws.emit(ctx, forge.EventFileError, msg, map[string]any{"path": input.FilePath})
		return forge.NewToolResultError(msg), nil
	}
	ws.logger.Debug("file written", "path", res.Path, "added", res.Added, "removed", res.Removed, "unchanged", res.Unchanged)
	ws.emit(ctx, forge.EventFileCreated, "Created "+res.Path, map[string]any{
		"path":    res.Path,
		"added":   res.Added,
		"removed": res.Removed,
		"diff":    res.Diff,
	})
	return forge.NewToolResultText(fmt.Sprintf("File %s created successfully.", res.Path)), nil
}

// ReadFileTool reads a project file.
type ReadFileTool struct {
	ws *Workspace
}

func NewReadFileTool(ws *Workspace) *forge.TypedToolAdapter[*FilePathInput] {
	return forge.ToolAdapter(&ReadFileTool{ws: ws})
}

func (t *ReadFileTool) Name() string {
	return "read_file"
}

func (t *ReadFileTool) Description() string {
	return "Read the content of a project file. Paths are relative to the project root."
}

func (t *ReadFileTool) Schema() *schema.Schema {
	return &schema.Schema{
		Type:     schema.Object,
		Required: []string{"file_path"},
		Properties: map[string]*schema.Property{
			"file_path": {
				Type:        schema.String,
				Description: "Path of the file relative to the project root",
			},
		},
	}
}

func (t *ReadFileTool) Annotations() *forge.ToolAnnotations {
	return &forge.ToolAnnotations{
		Title:          "Read File",
		ReadOnlyHint:   true,
		IdempotentHint: true,
	}
}

func (t *ReadFileTool) Call(ctx context.Context, input *FilePathInput) (*forge.ToolResult, error) {
	ws := t.ws
	rel, abs, err := ws.Resolve(input.FilePath)
	if err != nil {
		return forge.NewToolResultError(fmt.Sprintf("Failed to read file %s: %v", input.FilePath, err)), nil
	}
	content, err := ws.sandbox.Files().Read(ctx, abs)
	if err != nil {
		return forge.NewToolResultError(fmt.Sprintf("Failed to read file %s: %v", rel, err)), nil
	}
	ws.emit(ctx, forge.EventFileRead, "Read "+rel, map[string]any{"path": rel})
	return forge.NewToolResultText(fmt.Sprintf("Content from %s:\n%s", rel, content)), nil
}

// DeleteFileTool removes a project file.
type DeleteFileTool struct {
	ws *Workspace
}

func NewDeleteFileTool(ws *Workspace) *forge.TypedToolAdapter[*FilePathInput] {
	return forge.ToolAdapter(&DeleteFileTool{ws: ws})
}

func (t *DeleteFileTool) Name() string {
	return "delete_file"
}

func (t *DeleteFileTool) Description() string {
	return "Delete a file from the project. Paths are relative to the project root."
}

func (t *DeleteFileTool) Schema() *schema.Schema {
	return &schema.Schema{
		Type:     schema.Object,
		Required: []string{"file_path"},
		Properties: map[string]*schema.Property{
			"file_path": {
				Type:        schema.String,
				Description: "Path of the file to delete, relative to the project root",
			},
		},
	}
}

func (t *DeleteFileTool) Annotations() *forge.ToolAnnotations {
	return &forge.ToolAnnotations{
		Title:           "Delete File",
		DestructiveHint: true,
		IdempotentHint:  true,
	}
}

func (t *DeleteFileTool) Call(ctx context.Context, input *FilePathInput) (*forge.ToolResult, error) {
	ws := t.ws
	rel, abs, err := ws.Resolve(input.FilePath)
	if err != nil {
		return forge.NewToolResultError(fmt.Sprintf("Failed to delete file %s: %v", input.FilePath, err)), nil
	}
	if err := ws.sandbox.Files().Remove(ctx, abs); err != nil {
		msg := fmt.Sprintf("Failed to delete file %s: %v", rel, err)
		ws.emit(ctx, forge.EventFileError, msg, map[string]any{"path": rel})
		return forge.NewToolResultError(msg), nil
	}
	ws.emit(ctx, forge.EventFileDeleted, "Deleted "+rel, map[string]any{"path": rel})
	return forge.NewToolResultText(fmt.Sprintf("File %s deleted successfully.", rel)), nil
}
