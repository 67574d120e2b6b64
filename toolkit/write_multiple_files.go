package toolkit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/forge"
	"github.com/deepnoodle-ai/forge/schema"
)

var _ forge.TypedTool[*WriteMultipleFilesInput] = &WriteMultipleFilesTool{}

// FileSpec is one entry of a write_multiple_files manifest.
type FileSpec struct {
	Path string `json:"path"`
	Data string `json:"data"`
}

// WriteMultipleFilesInput carries the manifest either as a JSON array or
// as a string holding one, which is how most models send it.
type WriteMultipleFilesInput struct {
	Files json.RawMessage `json:"files"`
}

func (in *WriteMultipleFilesInput) manifest() ([]FileSpec, error) {
	raw := in.Files
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err == nil {
		raw = json.RawMessage(encoded)
	}
	var files []FileSpec
	if err := json.Unmarshal(raw, &files); err != nil {
		return nil, fmt.Errorf("files must be a JSON array of {path, data} objects: %w", err)
	}
	return files, nil
}

// WriteMultipleFilesTool writes several project files in one call.
type WriteMultipleFilesTool struct {
	ws *Workspace
}

func NewWriteMultipleFilesTool(ws *Workspace) *forge.TypedToolAdapter[*WriteMultipleFilesInput] {
	return forge.ToolAdapter(&WriteMultipleFilesTool{ws: ws})
}

func (t *WriteMultipleFilesTool) Name() string {
	return "write_multiple_files"
}

func (t *WriteMultipleFilesTool) Description() string {
	return `Write several files at once. files is a JSON array string of objects with "path" and "data", e.g. [{"path": "src/App.jsx", "data": "..."}].`
}

func (t *WriteMultipleFilesTool) Schema() *schema.Schema {
	return &schema.Schema{
		Type:     schema.Object,
		Required: []string{"files"},
		Properties: map[string]*schema.Property{
			"files": {
				Type:        schema.String,
				Description: `JSON array of {"path", "data"} objects`,
			},
		},
	}
}

func (t *WriteMultipleFilesTool) Annotations() *forge.ToolAnnotations {
	return &forge.ToolAnnotations{
		Title:           "Write Multiple Files",
		DestructiveHint: true,
		IdempotentHint:  true,
	}
}

func (t *WriteMultipleFilesTool) Call(ctx context.Context, input *WriteMultipleFilesInput) (*forge.ToolResult, error) {
	ws := t.ws
	files, err := input.manifest()
	if err != nil {
		return forge.NewToolResultError(fmt.Sprintf("Failed to write files: %v", err)), nil
	}
	if len(files) == 0 {
		return forge.NewToolResultError("Failed to write files: the manifest is empty"), nil
	}
	written := make([]string, 0, len(files))
	for _, f := range files {
		res, err := ws.WriteFile(ctx, f.Path, f.Data)
		if err != nil {
			msg := fmt.Sprintf("Failed to create file %s: %v", f.Path, err)
			ws.emit(ctx, forge.EventFileError, msg, map[string]any{"path": f.Path})
			return forge.NewToolResultError(fmt.Sprintf("%s. Files written before the failure: %s", msg, strings.Join(written, ", "))), nil
		}
		written = append(written, res.Path)
	}
	list := strings.Join(written, ", ")
	ws.emit(ctx, forge.EventFilesCreated, fmt.Sprintf("Created %d files: %s", len(written), list),
		map[string]any{"paths": written})
	return forge.NewToolResultText(fmt.Sprintf("Successfully created %d files: %s", len(written), list)), nil
}
