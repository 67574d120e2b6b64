package sandbox

import (
	"context"
	"path"
	"strings"
)

// ReadResult is the outcome of resolving a project-relative path against the
// candidate roots. Found is false when no candidate resolved, in which case
// Tried lists every path attempted.
type ReadResult struct {
	Found   bool     `json:"found"`
	Path    string   `json:"path,omitempty"`
	Content string   `json:"content,omitempty"`
	Tried   []string `json:"tried,omitempty"`
}

// NotFoundError reports the paths tried by a failed resolution.
type NotFoundError struct {
	Tried []string
}

func (e *NotFoundError) Error() string {
	return "file not found (tried " + strings.Join(e.Tried, ", ") + ")"
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// Err returns nil for a found result and a *NotFoundError otherwise.
func (r ReadResult) Err() error {
	if r.Found {
		return nil
	}
	return &NotFoundError{Tried: r.Tried}
}

// CleanRelative normalizes a caller-supplied path and strips any leading
// "../" segments so it cannot escape a root.
func CleanRelative(p string) string {
	p = path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
	return strings.TrimPrefix(p, "/")
}

// CandidatePaths returns the ordered absolute paths tried for rel: each root
// joined with rel, then rel itself as an absolute path.
func CandidatePaths(roots []string, rel string) []string {
	clean := CleanRelative(rel)
	seen := map[string]bool{}
	var out []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, root := range roots {
		add(path.Join(root, clean))
	}
	add("/" + clean)
	return out
}

// Resolve reads the first candidate path that can be read. Any read error
// counts as a miss.
func Resolve(ctx context.Context, fs Filesystem, roots []string, rel string) ReadResult {
	candidates := CandidatePaths(roots, rel)
	for _, p := range candidates {
		content, err := fs.Read(ctx, p)
		if err == nil {
			return ReadResult{Found: true, Path: p, Content: content}
		}
		if ctx.Err() != nil {
			break
		}
	}
	return ReadResult{Tried: candidates}
}
