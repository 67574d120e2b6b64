package toolkit

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/forge"
	"github.com/deepnoodle-ai/forge/schema"
)

var (
	_ forge.TypedTool[*struct{}]       = &ReadPageTool{}
	_ forge.TypedTool[*WritePageInput] = &WritePageTool{}
)

// ReadPageTool reads the target page. It takes no arguments.
type ReadPageTool struct {
	ws *Workspace
}

func NewReadPageTool(ws *Workspace) *forge.TypedToolAdapter[*struct{}] {
	return forge.ToolAdapter(&ReadPageTool{ws: ws})
}

func (t *ReadPageTool) Name() string {
	return "read_file"
}

func (t *ReadPageTool) Description() string {
	return fmt.Sprintf("Read the current content of %s. Call this before rewriting the page.", t.ws.target)
}

func (t *ReadPageTool) Schema() *schema.Schema {
	return schema.Empty()
}

func (t *ReadPageTool) Annotations() *forge.ToolAnnotations {
	return &forge.ToolAnnotations{
		Title:          "Read Page",
		ReadOnlyHint:   true,
		IdempotentHint: true,
	}
}

func (t *ReadPageTool) Call(ctx context.Context, _ *struct{}) (*forge.ToolResult, error) {
	ws := t.ws
	_, abs, _ := ws.Resolve(ws.target)
	content, err := ws.sandbox.Files().Read(ctx, abs)
	if err != nil {
		return forge.NewToolResultError(fmt.Sprintf("Failed to read file %s: %v", ws.target, err)), nil
	}
	ws.emit(ctx, forge.EventFileRead, "Read "+ws.target, map[string]any{"path": ws.target})
	return forge.NewToolResultText(fmt.Sprintf("Content from %s:\n%s", ws.target, content)), nil
}

type WritePageInput struct {
	Content string `json:"content"`
}

// WritePageTool replaces the content of the target page and returns the
// completion sentinel.
type WritePageTool struct {
	ws *Workspace
}

func NewWritePageTool(ws *Workspace) *forge.TypedToolAdapter[*WritePageInput] {
	return forge.ToolAdapter(&WritePageTool{ws: ws})
}

func (t *WritePageTool) Name() string {
	return "create_file"
}

func (t *WritePageTool) Description() string {
	return fmt.Sprintf("Write the complete content of %s, replacing what is there.", t.ws.target)
}

func (t *WritePageTool) Schema() *schema.Schema {
	return &schema.Schema{
		Type:     schema.Object,
		Required: []string{"content"},
		Properties: map[string]*schema.Property{
			"content": {
				Type:        schema.String,
				Description: "Complete source of the page component",
			},
		},
	}
}

func (t *WritePageTool) Annotations() *forge.ToolAnnotations {
	return &forge.ToolAnnotations{
		Title:           "Write Page",
		DestructiveHint: true,
		IdempotentHint:  true,
	}
}

func (t *WritePageTool) Call(ctx context.Context, input *WritePageInput) (*forge.ToolResult, error) {
	ws := t.ws
	res, err := ws.WriteFile(ctx, ws.target, input.Content)
	if err != nil {
		msg := fmt.Sprintf("Failed to create file %s: %v", ws.target, err)
		ws.emit(ctx, forge.EventFileError, msg, map[string]any{"path": ws.target})
		return forge.NewToolResultError(msg), nil
	}
	ws.emit(ctx, forge.EventFileCreated, "Created "+res.Path, map[string]any{
		"path":    res.Path,
		"added":   res.Added,
		"removed": res.Removed,
		"diff":    res.Diff,
	})
	return forge.NewToolResultText(ws.Sentinel()), nil
}
