package workflow

import (
	"strings"
	"text/template"

	"github.com/deepnoodle-ai/forge/session"
)

const plannerSystemPrompt = "You are an expert React application architect. Create detailed, actionable implementation plans."

const thinkingSystemPrompt = "You are an expert React application architect. Think out loud, briefly, about how to approach the request before any plan is written."

const pageSystemPrompt = "You are an expert React developer. You build complete, working single-file pages with Tailwind CSS."

const planFailedText = "Failed to generate implementation plan. Please try again with a clearer request."

var funcs = template.FuncMap{
	"inc": func(i int) int { return i + 1 },
	"clip": func(s string, n int) string {
		if len(s) <= n {
			return s
		}
		return s[:n]
	},
	"join": strings.Join,
}

var planningTemplate = template.Must(template.New("planning").Funcs(funcs).Parse(`Create a simple, clear implementation plan for a single-page React application.

USER REQUEST:
{{.Request}}
{{with .Product}}
PRODUCT:
Name: {{.ProductName}}
Description: {{.ProductDescription}}
{{- if .ReferenceImageURL}}
Reference image (use this exact URL in the page): {{.ReferenceImageURL}}
{{- end}}
{{- if .CTALink}}
Call to action link: {{.CTALink}}
{{- end}}
{{end}}
{{- with .History}}
PREVIOUS WORK ON THIS PROJECT

What this project is:
{{or .Memory.Semantic "Not documented"}}

How it works:
{{or .Memory.Procedural "Not documented"}}

What has been done:
{{or .Memory.Episodic "Not documented"}}

Existing files: {{len .Memory.FilesCreated}} files already exist
{{- with $.RecentRequests}}

Recent requests:
{{- range $i, $r := .}}
   {{inc $i}}. {{if $r.Success}}[SUCCESS]{{else}}[FAILED]{{end}} {{clip $r.Prompt 100}}
{{- end}}
{{- end}}

This is an existing project. Build on what exists, use the history to understand the user's intent,
change only what the new request needs and do not recreate existing components.
{{end}}
All functionality goes in {{.Target}}, with reusable components in src/components/.

Explain in plain text, not JSON:
- what the application will do
- which components are needed
- how {{.Target}} will be structured
- any new dependencies (react, react-dom, react-router-dom, react-icons and tailwindcss are already available)
- the implementation steps in order
`))

type planningData struct {
	Request        string
	Target         string
	Product        *ProjectContext
	History        *session.ProjectHistory
	RecentRequests []session.Request
}

var pageBuilderTemplate = template.Must(template.New("page_builder").Funcs(funcs).Parse(`Read the implementation plan below carefully before starting.

IMPLEMENTATION PLAN:
{{.Plan}}
{{with .Issues}}
THE PREVIOUS BUILD FAILED VALIDATION. Fix every one of these problems:
{{range $i, $issue := .}}
{{inc $i}}. {{$issue}}
{{- end}}
{{end}}
{{- with .Product}}
{{- if .ReferenceImageURL}}
The page must show the reference image using exactly this URL: {{.ReferenceImageURL}}
{{- end}}
{{- if .CTALink}}
The call to action must link to exactly: {{.CTALink}}
{{- end}}
{{end}}
Build the complete application in the single file {{.Target}}.
- You can only write to {{.Target}}; other files will not be used.
- Keep all state, helpers and sub-components inside this file.
- Do not use third party packages, including icon packages.
- Import React and export the page component as the default export.
- Style with Tailwind classes and make the layout responsive.
- Write the complete file. Never leave placeholders such as "...existing code...".

Tools:
1. read_file() returns the current content of {{.Target}}
2. create_file(content) replaces {{.Target}} with content

Call read_file() once, then call create_file(content) once with the complete page.
When create_file returns "{{.Sentinel}}" your task is complete: stop and do not call any more tools.
`))

type pageBuilderData struct {
	Plan     string
	Issues   []string
	Target   string
	Sentinel string
	Product  *ProjectContext
}

const multiFileSystemPrompt = `You are an expert React developer working in a sandbox that holds an existing Vite + React + Tailwind project.

Work through the tools:
- list_directory shows the project tree
- read_file, create_file, delete_file and write_multiple_files edit project files
- execute_command runs shell commands such as npm install in the project root
- check_missing_packages finds imports that package.json does not declare
- test_build installs dependencies and runs the production build
- get_context and save_context keep notes about the project between requests

Process:
1. Call list_directory and read package.json and src/App.jsx before changing anything.
2. Only install packages that package.json does not already declare.
3. The "/" route renders the Home page. Implement the request there unless the user asks for more pages.
4. Write complete files. Never leave placeholders.
5. Run check_missing_packages and install what it reports, then run test_build and fix any errors.
6. Finish with save_context describing the project, then reply with a short summary and no further tool calls.`

var multiFileBuilderTemplate = template.Must(template.New("multi_builder").Funcs(funcs).Parse(`IMPLEMENTATION PLAN:
{{.Plan}}
{{with .ValidationErrors}}
Static validation found these problems in the previous build. Fix all of them:
{{range $i, $e := .}}
{{inc $i}}. {{$e}}
{{- end}}
{{end}}
{{- with .RuntimeErrors}}
The application failed its runtime checks. Fix all of these:
{{range $i, $e := .}}
{{inc $i}}. {{$e}}
{{- end}}
{{end}}
{{- with .Product}}
{{- if .ReferenceImageURL}}
The page must show the reference image using exactly this URL: {{.ReferenceImageURL}}
{{- end}}
{{- if .CTALink}}
The call to action must link to exactly: {{.CTALink}}
{{- end}}
{{end}}
The main page is {{.Target}}. Build everything the plan describes.
`))

type multiFileBuilderData struct {
	Plan             string
	ValidationErrors []string
	RuntimeErrors    []string
	Target           string
	Product          *ProjectContext
}

func render(t *template.Template, data any) (string, error) {
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}
