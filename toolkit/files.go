package toolkit

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/deepnoodle-ai/forge/sandbox"
	"github.com/pmezard/go-difflib/difflib"
	"github.com/sergi/go-diff/diffmatchpatch"
)

var escapeReplacer = strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\r`, "\r")

// FixEscapeSequences turns literal \n, \t and \r sequences, which models
// often emit inside generated code, into the control characters.
func FixEscapeSequences(content string) string {
	return escapeReplacer.Replace(content)
}

// FileTracker records the project files written during a pass, in order.
type FileTracker struct {
	mu       sync.Mutex
	created  []string
	modified []string
	seen     map[string]bool
}

func NewFileTracker() *FileTracker {
	return &FileTracker{seen: map[string]bool{}}
}

// Record notes a write. A file is listed once, under the kind of its first
// write.
func (t *FileTracker) Record(rel string, created bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seen[rel] {
		return
	}
	t.seen[rel] = true
	if created {
		t.created = append(t.created, rel)
	} else {
		t.modified = append(t.modified, rel)
	}
}

func (t *FileTracker) Created() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string{}, t.created...)
}

func (t *FileTracker) Modified() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string{}, t.modified...)
}

// Wrote reports whether rel was written during the pass.
func (t *FileTracker) Wrote(rel string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seen[rel]
}

// Resolve maps a path given by the model to a project-relative path and
// its absolute location. Paths cannot escape the project root.
func (w *Workspace) Resolve(p string) (rel, abs string, err error) {
	p = strings.TrimSpace(p)
	p = strings.TrimPrefix(p, w.root+"/")
	rel = sandbox.CleanRelative(p)
	if rel == "" {
		return "", "", errors.New("a file path inside the project is required")
	}
	return rel, path.Join(w.root, rel), nil
}

// WriteResult describes a file write.
type WriteResult struct {
	Path      string
	Created   bool
	Unchanged bool
	Added     int
	Removed   int
	Diff      string
}

// WriteFile normalizes escape sequences and writes content to a project
// file. Writing identical content leaves the file untouched.
func (w *Workspace) WriteFile(ctx context.Context, p, content string) (*WriteResult, error) {
	rel, abs, err := w.Resolve(p)
	if err != nil {
		return nil, err
	}
	content = FixEscapeSequences(content)
	fs := w.sandbox.Files()
	previous, readErr := fs.Read(ctx, abs)
	exists := readErr == nil
	if exists && previous == content {
		return &WriteResult{Path: rel, Unchanged: true}, nil
	}
	if err := fs.Write(ctx, abs, content); err != nil {
		return nil, err
	}
	added, removed := LineChanges(previous, content)
	w.files.Record(rel, !exists)
	return &WriteResult{
		Path:    rel,
		Created: !exists,
		Added:   added,
		Removed: removed,
		Diff:    UnifiedDiff(previous, content, rel),
	}, nil
}

// LineChanges counts lines added and removed between two versions.
func LineChanges(before, after string) (added, removed int) {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)
	for _, d := range diffs {
		n := strings.Count(d.Text, "\n")
		if d.Text != "" && !strings.HasSuffix(d.Text, "\n") {
			n++
		}
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += n
		case diffmatchpatch.DiffDelete:
			removed += n
		}
	}
	return added, removed
}

// UnifiedDiff renders a git-style diff of a file change.
func UnifiedDiff(before, after, name string) string {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: "a/" + name,
		ToFile:   "b/" + name,
		Context:  3,
	}
	out, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return fmt.Sprintf("diff unavailable: %v", err)
	}
	return out
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
