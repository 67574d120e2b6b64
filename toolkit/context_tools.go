package toolkit

import (
	"context"
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/forge"
	"github.com/deepnoodle-ai/forge/schema"
	"github.com/deepnoodle-ai/forge/session"
)

var (
	_ forge.TypedTool[*struct{}]         = &GetContextTool{}
	_ forge.TypedTool[*SaveContextInput] = &SaveContextTool{}
)

const noProjectMessage = "No project ID available - context cannot be %s"

// GetContextTool returns the project memory saved by earlier runs.
type GetContextTool struct {
	ws *Workspace
}

func NewGetContextTool(ws *Workspace) *forge.TypedToolAdapter[*struct{}] {
	return forge.ToolAdapter(&GetContextTool{ws: ws})
}

func (t *GetContextTool) Name() string {
	return "get_context"
}

func (t *GetContextTool) Description() string {
	return "Retrieve the saved context of this project: what it is, how it works and what has been done so far."
}

func (t *GetContextTool) Schema() *schema.Schema {
	return schema.Empty()
}

func (t *GetContextTool) Annotations() *forge.ToolAnnotations {
	return &forge.ToolAnnotations{
		Title:          "Get Context",
		ReadOnlyHint:   true,
		IdempotentHint: true,
	}
}

func (t *GetContextTool) Call(ctx context.Context, _ *struct{}) (*forge.ToolResult, error) {
	ws := t.ws
	if ws.projectID == "" || ws.store == nil {
		return forge.NewToolResultError(fmt.Sprintf(noProjectMessage, "retrieved")), nil
	}
	mem, err := session.LoadMemory(ctx, ws.store, ws.projectID)
	if err != nil {
		return forge.NewToolResultError(fmt.Sprintf("Failed to retrieve context: %v", err)), nil
	}
	if mem.Empty() {
		return forge.NewToolResultText(fmt.Sprintf("No context saved for project %s yet.", ws.projectID)), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Context for project %s:\n", ws.projectID)
	fmt.Fprintf(&b, "Semantic: %s\n", mem.Semantic)
	fmt.Fprintf(&b, "Procedural: %s\n", mem.Procedural)
	fmt.Fprintf(&b, "Episodic: %s\n", mem.Episodic)
	if len(mem.FilesCreated) > 0 {
		fmt.Fprintf(&b, "Files created: %s\n", strings.Join(mem.FilesCreated, ", "))
	}
	return forge.NewToolResultText(b.String()), nil
}

type SaveContextInput struct {
	Semantic   string `json:"semantic"`
	Procedural string `json:"procedural,omitempty"`
	Episodic   string `json:"episodic,omitempty"`
}

// SaveContextTool records project memory for later runs. Files written in
// this pass are added to the files already remembered.
type SaveContextTool struct {
	ws *Workspace
}

func NewSaveContextTool(ws *Workspace) *forge.TypedToolAdapter[*SaveContextInput] {
	return forge.ToolAdapter(&SaveContextTool{ws: ws})
}

func (t *SaveContextTool) Name() string {
	return "save_context"
}

func (t *SaveContextTool) Description() string {
	return "Save the context of this project for future requests. semantic says what the project is, procedural how it works, episodic what was just done."
}

func (t *SaveContextTool) Schema() *schema.Schema {
	return &schema.Schema{
		Type:     schema.Object,
		Required: []string{"semantic"},
		Properties: map[string]*schema.Property{
			"semantic": {
				Type:        schema.String,
				Description: "What the project is and its purpose",
			},
			"procedural": {
				Type:        schema.String,
				Description: "How the project is structured and how it works",
			},
			"episodic": {
				Type:        schema.String,
				Description: "What was done in this session",
			},
		},
	}
}

func (t *SaveContextTool) Annotations() *forge.ToolAnnotations {
	return &forge.ToolAnnotations{Title: "Save Context"}
}

func (t *SaveContextTool) Call(ctx context.Context, input *SaveContextInput) (*forge.ToolResult, error) {
	ws := t.ws
	if ws.projectID == "" || ws.store == nil {
		return forge.NewToolResultError(fmt.Sprintf(noProjectMessage, "saved")), nil
	}
	if strings.TrimSpace(input.Semantic) == "" {
		return forge.NewToolResultError("Failed to save context: semantic is required"), nil
	}
	files := ws.files.Created()
	if previous, err := session.LoadMemory(ctx, ws.store, ws.projectID); err == nil && previous != nil {
		files = mergeFiles(previous.FilesCreated, files)
	}
	mem := &session.Memory{
		Semantic:     input.Semantic,
		Procedural:   input.Procedural,
		Episodic:     input.Episodic,
		FilesCreated: files,
	}
	if err := session.SaveMemory(ctx, ws.store, ws.projectID, mem); err != nil {
		return forge.NewToolResultError(fmt.Sprintf("Failed to save context: %v", err)), nil
	}
	ws.emit(ctx, forge.EventContextSaved, "Context saved", nil)
	return forge.NewToolResultText(fmt.Sprintf("Context saved for project %s. Semantic: %s..., Procedural: %s..., Episodic: %s...",
		ws.projectID, truncate(input.Semantic, 50), truncate(input.Procedural, 50), truncate(input.Episodic, 50))), nil
}

func mergeFiles(a, b []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, list := range [][]string{a, b} {
		for _, f := range list {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	return out
}
