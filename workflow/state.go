package workflow

import (
	"fmt"
	"unicode"
	"unicode/utf8"

	"github.com/deepnoodle-ai/forge/sandbox"
)

// Stage names a node of a workflow graph.
type Stage string

const (
	StagePlanner   Stage = "planner"
	StageBuilder   Stage = "builder"
	StageValidator Stage = "validator"
	StageChecker   Stage = "checker"
	StageExecutor  Stage = "executor"

	// End is the terminal pseudo-stage.
	End Stage = "__end__"
)

// Status is the outcome recorded in an execution log entry.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusPassed    Status = "passed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusSkipped   Status = "skipped"
	StatusError     Status = "error"
)

// LogEntry is one record of the execution log.
type LogEntry struct {
	Node   Stage          `json:"node"`
	Status Status         `json:"status"`
	Detail map[string]any `json:"detail,omitempty"`
}

func (e LogEntry) String() string {
	return fmt.Sprintf("%s:%s", e.Node, e.Status)
}

// Plan is either a FreeTextPlan or a StructuredPlan.
type Plan interface {
	// Text renders the plan for prompts.
	Text() string
	isPlan()
}

// FreeTextPlan is a plan written as prose.
type FreeTextPlan string

func (p FreeTextPlan) Text() string { return string(p) }
func (FreeTextPlan) isPlan()        {}

// StructuredPlan is a plan the model returned as fields.
type StructuredPlan struct {
	Summary      string   `json:"summary"`
	Components   []string `json:"components,omitempty"`
	Files        []string `json:"files,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	Steps        []string `json:"steps,omitempty"`
}

func (p *StructuredPlan) Text() string {
	text := p.Summary + "\n"
	section := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		text += "\n" + title + ":\n"
		for _, item := range items {
			text += "- " + item + "\n"
		}
	}
	section("Components", p.Components)
	section("Files", p.Files)
	section("Dependencies", p.Dependencies)
	section("Steps", p.Steps)
	return text
}

func (*StructuredPlan) isPlan() {}

// ProjectContext describes the product of a creative landing page run.
type ProjectContext struct {
	ProductName        string `json:"product_name"`
	ProductDescription string `json:"product_description"`
	ReferenceImageURL  string `json:"reference_image_url,omitempty"`
	CTALink            string `json:"cta_link,omitempty"`
}

// RetryCategory keys the two-gate retry counters.
type RetryCategory string

const (
	RetryValidation RetryCategory = "validation"
	RetryRuntime    RetryCategory = "runtime"
)

// RunState holds the fields shared by every workflow variant.
type RunState struct {
	ProjectID      string          `json:"project_id"`
	UserPrompt     string          `json:"user_prompt"`
	EnhancedPrompt string          `json:"enhanced_prompt"`
	Context        *ProjectContext `json:"project_context,omitempty"`
	Plan           Plan            `json:"-"`
	MaxRetries     int             `json:"max_retries"`
	FilesCreated   []string        `json:"files_created"`
	FilesModified  []string        `json:"files_modified"`
	Success        bool            `json:"success"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	Log            []LogEntry      `json:"execution_log"`
	CurrentNode    Stage           `json:"current_node"`

	Sandbox sandbox.Sandbox `json:"-"`
}

func (s *RunState) Base() *RunState { return s }

// Trail returns the execution log as "node:status" strings.
func (s *RunState) Trail() []string {
	out := make([]string, len(s.Log))
	for i, e := range s.Log {
		out[i] = e.String()
	}
	return out
}

// PlanText returns the plan text, or "" before planning.
func (s *RunState) PlanText() string {
	if s.Plan == nil {
		return ""
	}
	return s.Plan.Text()
}

func (s *RunState) apply(u *Update) {
	if u.Plan != nil {
		s.Plan = u.Plan
	}
	if u.EnhancedPrompt != nil {
		s.EnhancedPrompt = *u.EnhancedPrompt
	}
	if u.Success != nil {
		s.Success = *u.Success
	}
	if u.ErrorMessage != nil {
		s.ErrorMessage = *u.ErrorMessage
	}
	if u.CurrentNode != "" {
		s.CurrentNode = u.CurrentNode
	}
	s.FilesCreated = append(s.FilesCreated, u.FilesCreated...)
	s.FilesModified = append(s.FilesModified, u.FilesModified...)
	s.Log = append(s.Log, u.Log...)
}

// LinearState is the run state of the planner, builder, validator, executor
// workflow. RetryCount counts builder passes.
type LinearState struct {
	RunState
	RetryCount       int      `json:"retry_count"`
	ValidationPassed bool     `json:"validation_passed"`
	ValidationIssues []string `json:"validation_issues"`

	// CurrentIssues are the issues of the latest validation only.
	CurrentIssues []string `json:"current_issues"`
}

// Every builder pass counts, including passes that failed or panicked, so
// the retry edge always terminates.
func (s *LinearState) apply(u *Update) {
	s.RunState.apply(u)
	if u.CurrentNode == StageBuilder {
		s.RetryCount++
	}
	if u.ValidationPassed != nil {
		s.ValidationPassed = *u.ValidationPassed
	}
	s.ValidationIssues = append(s.ValidationIssues, u.ValidationIssues...)
	if u.ValidationIssues != nil {
		s.CurrentIssues = u.ValidationIssues
	}
}

// TwoGateState is the run state of the workflow with separate static and
// runtime gates, each with its own retry budget.
type TwoGateState struct {
	RunState
	Retries          map[RetryCategory]int `json:"retry_count"`
	GlobalRetryCap   int                   `json:"global_retry_cap"`
	ValidationPassed bool                  `json:"validation_passed"`
	RuntimePassed    bool                  `json:"runtime_passed"`
	ValidationErrors []string              `json:"validation_errors"`
	RuntimeErrors    []string              `json:"runtime_errors"`

	// CurrentErrors are the errors that sent the run back to the builder,
	// keyed by the gate that found them.
	CurrentErrors map[RetryCategory][]string `json:"current_errors"`

	// SentBack is the gate whose failure the next builder pass fixes.
	SentBack RetryCategory `json:"sent_back,omitempty"`
}

// TotalRetries sums the retry counters.
func (s *TwoGateState) TotalRetries() int {
	total := 0
	for _, n := range s.Retries {
		total += n
	}
	return total
}

// A builder pass spends one retry of the gate that sent the run back. The
// first pass spends nothing.
func (s *TwoGateState) apply(u *Update) {
	s.RunState.apply(u)
	if u.CurrentNode == StageBuilder && s.SentBack != "" {
		if s.Retries == nil {
			s.Retries = map[RetryCategory]int{}
		}
		s.Retries[s.SentBack]++
		s.SentBack = ""
	}
	if u.ValidationPassed != nil {
		s.ValidationPassed = *u.ValidationPassed
	}
	if u.RuntimePassed != nil {
		s.RuntimePassed = *u.RuntimePassed
	}
	s.ValidationErrors = append(s.ValidationErrors, u.ValidationIssues...)
	s.RuntimeErrors = append(s.RuntimeErrors, u.RuntimeErrors...)
	if u.CurrentErrors != nil {
		s.CurrentErrors = u.CurrentErrors
	}
	if u.SentBack != nil {
		s.SentBack = *u.SentBack
	}
}

// State is implemented by the per-variant run states.
type State interface {
	Base() *RunState
	apply(u *Update)
}

var (
	_ State = (*LinearState)(nil)
	_ State = (*TwoGateState)(nil)
)

// Update is the partial state a stage returns. Nil fields leave the state
// unchanged and list fields are appended. Retry counters are not part of an
// update: the state counts builder passes itself.
type Update struct {
	Plan           Plan
	EnhancedPrompt *string
	Success        *bool
	ErrorMessage   *string
	CurrentNode    Stage
	FilesCreated   []string
	FilesModified  []string
	Log            []LogEntry

	ValidationPassed *bool

	// ValidationIssues is appended to the issue history. A non-nil value
	// also replaces the current issues, so an empty slice clears them.
	ValidationIssues []string

	RuntimePassed *bool
	RuntimeErrors []string
	CurrentErrors map[RetryCategory][]string
	SentBack      *RetryCategory
}

func ptr[T any](v T) *T { return &v }

// failure is the update of a stage that could not do its work.
func failure(stage Stage, err error) *Update {
	msg := fmt.Sprintf("%s node error: %v", stageTitle(stage), err)
	return &Update{
		CurrentNode:  stage,
		ErrorMessage: ptr(msg),
		Log:          []LogEntry{{Node: stage, Status: StatusError, Detail: map[string]any{"error": msg}}},
	}
}

func stageTitle(stage Stage) string {
	s := string(stage)
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
