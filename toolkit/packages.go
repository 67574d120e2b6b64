package toolkit

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/deepnoodle-ai/forge"
	"github.com/deepnoodle-ai/forge/sandbox"
	"github.com/deepnoodle-ai/forge/schema"
)

var _ forge.TypedTool[*struct{}] = &CheckMissingPackagesTool{}

// BuiltinPackages are importable without being declared in package.json.
var BuiltinPackages = []string{"react", "react-dom"}

const sourceFilesCommand = `find src -name '*.jsx' -o -name '*.js' -o -name '*.tsx' -o -name '*.ts'`

var importPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^\s*import\s+(?:[\w$*{}\s,]+\s+from\s+)?['"]([^'"]+)['"]`),
	regexp.MustCompile(`(?m)^\s*export\s+(?:[\w$*{}\s,]+)\s+from\s+['"]([^'"]+)['"]`),
	regexp.MustCompile(`\brequire\(\s*['"]([^'"]+)['"]\s*\)`),
	regexp.MustCompile(`\bimport\(\s*['"]([^'"]+)['"]\s*\)`),
}

// ImportedPackages returns the root package names of every non-relative
// import in source, in first-seen order. Scoped packages keep their scope:
// "@mui/material/Button" yields "@mui/material".
func ImportedPackages(source string) []string {
	seen := map[string]bool{}
	var out []string
	for _, re := range importPatterns {
		for _, m := range re.FindAllStringSubmatch(source, -1) {
			name := packageRoot(m[1])
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// RelativeImports returns the "./" and "../" import specifiers of source, in
// first-seen order.
func RelativeImports(source string) []string {
	seen := map[string]bool{}
	var out []string
	for _, re := range importPatterns {
		for _, m := range re.FindAllStringSubmatch(source, -1) {
			importPath := m[1]
			if (!strings.HasPrefix(importPath, "./") && !strings.HasPrefix(importPath, "../")) || seen[importPath] {
				continue
			}
			seen[importPath] = true
			out = append(out, importPath)
		}
	}
	return out
}

func packageRoot(importPath string) string {
	if importPath == "" || strings.HasPrefix(importPath, ".") || strings.HasPrefix(importPath, "/") ||
		strings.HasPrefix(importPath, "node:") || strings.Contains(importPath, "://") {
		return ""
	}
	parts := strings.Split(importPath, "/")
	if strings.HasPrefix(importPath, "@") {
		if len(parts) < 2 {
			return ""
		}
		return parts[0] + "/" + parts[1]
	}
	return parts[0]
}

type packageManifest struct {
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

// DeclaredPackages parses package.json content into the set of declared
// dependencies and devDependencies.
func DeclaredPackages(manifest string) (map[string]bool, error) {
	var m packageManifest
	if err := json.Unmarshal([]byte(manifest), &m); err != nil {
		return nil, fmt.Errorf("invalid package.json: %w", err)
	}
	declared := map[string]bool{}
	for name := range m.Dependencies {
		declared[name] = true
	}
	for name := range m.DevDependencies {
		declared[name] = true
	}
	return declared, nil
}

// SourceFiles lists the project-relative paths of the JavaScript and
// TypeScript sources under src/.
func (w *Workspace) SourceFiles(ctx context.Context) ([]string, error) {
	res, err := w.sandbox.Commands().Run(ctx, sourceFilesCommand, sandbox.RunOptions{Cwd: w.root})
	if err != nil {
		return nil, fmt.Errorf("list source files: %w", err)
	}
	var files []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if rel := sandbox.CleanRelative(strings.TrimSpace(line)); rel != "" {
			files = append(files, rel)
		}
	}
	return files, nil
}

// FindMissingPackages scans the project sources for imports of packages
// package.json does not declare. Unreadable source files are skipped.
func (w *Workspace) FindMissingPackages(ctx context.Context) ([]string, error) {
	fs := w.sandbox.Files()
	manifest, err := fs.Read(ctx, path.Join(w.root, "package.json"))
	if err != nil {
		return nil, fmt.Errorf("read package.json: %w", err)
	}
	declared, err := DeclaredPackages(manifest)
	if err != nil {
		return nil, err
	}
	for _, name := range BuiltinPackages {
		declared[name] = true
	}

	files, err := w.SourceFiles(ctx)
	if err != nil {
		return nil, err
	}
	missing := map[string]bool{}
	for _, rel := range files {
		source, err := fs.Read(ctx, path.Join(w.root, rel))
		if err != nil {
			w.logger.Debug("skipping unreadable source file", "path", rel, "error", err)
			continue
		}
		for _, name := range ImportedPackages(source) {
			if !declared[name] {
				missing[name] = true
			}
		}
	}
	out := make([]string, 0, len(missing))
	for name := range missing {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

var resolvableSuffixes = []string{"", ".jsx", ".js", ".tsx", ".ts", "/index.jsx", "/index.js", "/index.tsx", "/index.ts"}

// UnresolvedImports checks every relative import of the project sources and
// describes the ones that point at no file.
func (w *Workspace) UnresolvedImports(ctx context.Context) ([]string, error) {
	fs := w.sandbox.Files()
	files, err := w.SourceFiles(ctx)
	if err != nil {
		return nil, err
	}
	var problems []string
	for _, rel := range files {
		source, err := fs.Read(ctx, path.Join(w.root, rel))
		if err != nil {
			continue
		}
		for _, importPath := range RelativeImports(source) {
			target := path.Join(path.Dir(rel), importPath)
			if !w.exists(ctx, target) {
				problems = append(problems, fmt.Sprintf("%s imports %q, which does not exist", rel, importPath))
			}
		}
	}
	return problems, nil
}

func (w *Workspace) exists(ctx context.Context, rel string) bool {
	for _, suffix := range resolvableSuffixes {
		if _, err := w.sandbox.Files().Read(ctx, path.Join(w.root, rel+suffix)); err == nil {
			return true
		}
	}
	return false
}

// CheckMissingPackagesTool reports packages imported by the sources but
// absent from package.json, with the commands to install them.
type CheckMissingPackagesTool struct {
	ws *Workspace
}

func NewCheckMissingPackagesTool(ws *Workspace) *forge.TypedToolAdapter[*struct{}] {
	return forge.ToolAdapter(&CheckMissingPackagesTool{ws: ws})
}

func (t *CheckMissingPackagesTool) Name() string {
	return "check_missing_packages"
}

func (t *CheckMissingPackagesTool) Description() string {
	return "Scan the project source files for imported packages that are not declared in package.json and report the npm install commands needed."
}

func (t *CheckMissingPackagesTool) Schema() *schema.Schema {
	return schema.Empty()
}

func (t *CheckMissingPackagesTool) Annotations() *forge.ToolAnnotations {
	return &forge.ToolAnnotations{
		Title:          "Check Missing Packages",
		ReadOnlyHint:   true,
		IdempotentHint: true,
	}
}

func (t *CheckMissingPackagesTool) Call(ctx context.Context, _ *struct{}) (*forge.ToolResult, error) {
	missing, err := t.ws.FindMissingPackages(ctx)
	if err != nil {
		return forge.NewToolResultError(fmt.Sprintf("Dependency check failed: %v", err)), nil
	}
	if len(missing) == 0 {
		return forge.NewToolResultText("All dependencies are properly installed. No missing packages found."), nil
	}
	commands := make([]string, len(missing))
	for i, name := range missing {
		commands[i] = "npm install " + name
	}
	t.ws.emit(ctx, forge.EventMissingDependencies, "Missing packages: "+strings.Join(missing, ", "), map[string]any{
		"packages": missing,
		"commands": commands,
	})
	var b strings.Builder
	b.WriteString("MISSING DEPENDENCIES FOUND:\n\n")
	b.WriteString("Missing packages: " + strings.Join(missing, ", ") + "\n\n")
	b.WriteString("Installation commands:\n")
	for _, c := range commands {
		b.WriteString("  " + c + "\n")
	}
	b.WriteString("\nRun these commands to install missing dependencies.")
	return forge.NewToolResultText(b.String()), nil
}
