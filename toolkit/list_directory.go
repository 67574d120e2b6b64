package toolkit

import (
	"context"
	"fmt"
	"path"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/deepnoodle-ai/forge"
	"github.com/deepnoodle-ai/forge/schema"
	"github.com/xlab/treeprint"
)

var _ forge.TypedTool[*ListDirectoryInput] = &ListDirectoryTool{}

// ListingExcludes are entry names hidden from directory listings.
var ListingExcludes = []string{"node_modules", ".*"}

// MaxListingDepth bounds how deep a listing descends.
const MaxListingDepth = 8

type ListDirectoryInput struct {
	Path string `json:"path,omitempty"`
}

// ListDirectoryTool renders a project directory as a tree.
type ListDirectoryTool struct {
	ws *Workspace
}

func NewListDirectoryTool(ws *Workspace) *forge.TypedToolAdapter[*ListDirectoryInput] {
	return forge.ToolAdapter(&ListDirectoryTool{ws: ws})
}

func (t *ListDirectoryTool) Name() string {
	return "list_directory"
}

func (t *ListDirectoryTool) Description() string {
	return "Show the directory structure of the project, or of a directory inside it. node_modules and hidden files are omitted."
}

func (t *ListDirectoryTool) Schema() *schema.Schema {
	return &schema.Schema{
		Type: schema.Object,
		Properties: map[string]*schema.Property{
			"path": {
				Type:        schema.String,
				Description: "Directory relative to the project root. Defaults to the root.",
			},
		},
	}
}

func (t *ListDirectoryTool) Annotations() *forge.ToolAnnotations {
	return &forge.ToolAnnotations{
		Title:          "List Directory",
		ReadOnlyHint:   true,
		IdempotentHint: true,
	}
}

func (t *ListDirectoryTool) Call(ctx context.Context, input *ListDirectoryInput) (*forge.ToolResult, error) {
	dir, label := t.ws.root, "."
	if input.Path != "" && input.Path != "." {
		rel, abs, err := t.ws.Resolve(input.Path)
		if err != nil {
			return forge.NewToolResultError(fmt.Sprintf("Failed to list directory: %v", err)), nil
		}
		dir, label = abs, rel
	}
	tree := treeprint.NewWithRoot(label)
	if err := t.ws.buildTree(ctx, tree, dir, 0); err != nil {
		return forge.NewToolResultError(fmt.Sprintf("Failed to list directory: %v", err)), nil
	}
	return forge.NewToolResultText("Directory structure:\n" + tree.String()), nil
}

func (w *Workspace) buildTree(ctx context.Context, tree treeprint.Tree, dir string, depth int) error {
	entries, err := w.sandbox.Files().List(ctx, dir)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	for _, e := range entries {
		if excludedFromListing(e.Name) {
			continue
		}
		if !e.IsDir {
			tree.AddNode(e.Name)
			continue
		}
		branch := tree.AddBranch(e.Name)
		if depth+1 >= MaxListingDepth {
			continue
		}
		if err := w.buildTree(ctx, branch, path.Join(dir, e.Name), depth+1); err != nil {
			w.logger.Debug("skipping unreadable directory", "path", path.Join(dir, e.Name), "error", err)
		}
	}
	return nil
}

func excludedFromListing(name string) bool {
	for _, pattern := range ListingExcludes {
		if ok, _ := doublestar.Match(pattern, name); ok {
			return true
		}
	}
	return false
}
