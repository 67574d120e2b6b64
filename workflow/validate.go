package workflow

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/deepnoodle-ai/forge"
	"github.com/deepnoodle-ai/forge/toolkit"
)

// CheckPage runs the static checks of a generated page. It never executes
// the code. product adds the checks of the creative landing page variant.
func CheckPage(content, name string, product *ProjectContext) []string {
	var issues []string
	if strings.TrimSpace(content) == "" {
		return []string{name + " is empty or missing"}
	}
	if !strings.Contains(content, "import") || !strings.Contains(content, "React") {
		issues = append(issues, "Missing React imports")
	}
	if !strings.Contains(content, "export default") {
		issues = append(issues, "Missing export default statement")
	}
	if !strings.Contains(content, "function") && !strings.Contains(content, "const") {
		issues = append(issues, "Missing component function/const declaration")
	}
	if product == nil {
		return issues
	}
	if product.ReferenceImageURL != "" && !strings.Contains(content, product.ReferenceImageURL) {
		issues = append(issues, fmt.Sprintf("Reference image %s is not used in the page", product.ReferenceImageURL))
	}
	if product.CTALink != "" && !strings.Contains(content, product.CTALink) {
		issues = append(issues, fmt.Sprintf("Call to action does not link to %s", product.CTALink))
	}
	if !hasCallToAction(content) {
		issues = append(issues, "Missing call to action (a button, form or link)")
	}
	return issues
}

func hasCallToAction(content string) bool {
	lower := strings.ToLower(content)
	return strings.Contains(lower, "<button") ||
		strings.Contains(lower, "<form") ||
		(strings.Contains(lower, "<a ") && strings.Contains(lower, "href="))
}

// inspectTarget reads the target page and checks it.
func (d *Deps) inspectTarget(ctx context.Context, st *RunState) []string {
	name := path.Base(d.Settings.Target)
	content, err := st.Sandbox.Files().Read(ctx, path.Join(d.Settings.AppRoot, d.Settings.Target))
	if err != nil {
		d.Logger.Warn("could not read target page", "project_id", st.ProjectID, "path", d.Settings.Target, "error", err)
		return []string{fmt.Sprintf("Could not read %s file", name)}
	}
	return CheckPage(content, name, st.Context)
}

func (d *Deps) reportValidation(ctx context.Context, issues []string) *LogEntry {
	if len(issues) == 0 {
		d.Events.Send(ctx, forge.EventValidatorPassed, "Validation passed", nil)
		return &LogEntry{Node: StageValidator, Status: StatusPassed}
	}
	d.Events.Send(ctx, forge.EventValidatorFailed, fmt.Sprintf("Validation failed with %d issues", len(issues)), map[string]any{
		"issues": issues,
	})
	return &LogEntry{Node: StageValidator, Status: StatusFailed, Detail: map[string]any{"issues": issues}}
}

// validatePage is the validator of the linear variant.
func (d *Deps) validatePage(ctx context.Context, st *RunState) (*Update, error) {
	if st.Sandbox == nil {
		return nil, errSandboxUnavailable
	}
	d.Events.Send(ctx, forge.EventValidatorStarted, "Validating the generated code...", nil)
	issues := d.inspectTarget(ctx, st)
	entry := d.reportValidation(ctx, issues)
	return &Update{
		CurrentNode:      StageValidator,
		ValidationPassed: ptr(len(issues) == 0),
		ValidationIssues: append([]string{}, issues...),
		Log:              []LogEntry{*entry},
	}, nil
}

// validateCode is the static gate of the two-gate variant: the target page
// checks plus dependency and import resolution across every source file.
func (d *Deps) validateCode(ctx context.Context, st *RunState) (*Update, error) {
	if st.Sandbox == nil {
		return nil, errSandboxUnavailable
	}
	d.Events.Send(ctx, forge.EventValidatorStarted, "Validating the generated code...", nil)
	issues := d.inspectTarget(ctx, st)

	ws := toolkit.NewWorkspace(toolkit.WorkspaceOptions{
		Sandbox: st.Sandbox,
		Root:    d.Settings.AppRoot,
		Target:  d.Settings.Target,
		Logger:  d.Logger,
	})
	missing, err := ws.FindMissingPackages(ctx)
	if err != nil {
		issues = append(issues, fmt.Sprintf("Dependency check failed: %v", err))
	}
	for _, name := range missing {
		issues = append(issues, fmt.Sprintf("Package %s is imported but not declared in package.json", name))
	}
	unresolved, err := ws.UnresolvedImports(ctx)
	if err != nil {
		issues = append(issues, fmt.Sprintf("Import check failed: %v", err))
	}
	issues = append(issues, unresolved...)

	entry := d.reportValidation(ctx, issues)
	update := &Update{
		CurrentNode:      StageValidator,
		ValidationPassed: ptr(len(issues) == 0),
		ValidationIssues: append([]string{}, issues...),
		Log:              []LogEntry{*entry},
	}
	if len(issues) > 0 {
		update.SentBack = ptr(RetryValidation)
		update.CurrentErrors = map[RetryCategory][]string{RetryValidation: issues}
	}
	return update, nil
}
