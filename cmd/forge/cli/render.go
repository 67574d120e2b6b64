package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/deepnoodle-ai/forge"
	"github.com/deepnoodle-ai/forge/internal/tablewriter"
	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
)

var (
	stageStyle   = color.New(color.FgMagenta, color.Bold)
	successStyle = color.New(color.FgGreen)
	errorStyle   = color.New(color.FgRed, color.Bold)
	warningStyle = color.New(color.FgYellow)
	infoStyle    = color.New(color.FgCyan)
	mutedStyle   = color.New(color.FgHiBlack)
	boldStyle    = color.New(color.Bold)
)

const (
	bullet    = "•"
	arrow     = "→"
	checkmark = "✓"
	xmark     = "✗"
)

const defaultWidth = 100

// renderer prints run events as they arrive.
type renderer struct {
	mu       sync.Mutex
	w        io.Writer
	width    int
	verbose  bool
	thinking bool
}

func newRenderer(w io.Writer, width int, verbose bool) *renderer {
	if width <= 0 {
		width = defaultWidth
	}
	return &renderer{w: w, width: width, verbose: verbose}
}

func (r *renderer) Send(ctx context.Context, event *forge.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Thinking arrives in chunks and is printed as one paragraph.
	if event.Kind == forge.EventThinking {
		if !r.verbose {
			return nil
		}
		if !r.thinking {
			fmt.Fprint(r.w, mutedStyle.Sprint("  thinking: "))
			r.thinking = true
		}
		_, err := fmt.Fprint(r.w, mutedStyle.Sprint(event.Message))
		return err
	}
	if r.thinking {
		fmt.Fprintln(r.w)
		r.thinking = false
	}

	line := r.format(event)
	if line == "" {
		return nil
	}
	_, err := fmt.Fprintln(r.w, line)
	if issues := stringList(event.Data["issues"]); len(issues) > 0 {
		for _, issue := range issues {
			fmt.Fprintln(r.w, "    "+warningStyle.Sprint(bullet+" ")+r.fit(issue, 6))
		}
	}
	return err
}

func (r *renderer) format(event *forge.Event) string {
	msg := event.Message
	if msg == "" {
		msg = strings.ReplaceAll(string(event.Kind), "_", " ")
	}
	switch event.Kind {
	case forge.EventPlannerStarted, forge.EventBuilderStarted, forge.EventValidatorStarted,
		forge.EventCheckerStarted, forge.EventExecutorStarted:
		return stageStyle.Sprint(arrow+" ") + boldStyle.Sprint(r.fit(msg, 2))
	case forge.EventPlannerComplete, forge.EventBuilderComplete, forge.EventValidatorPassed,
		forge.EventCheckerPassed, forge.EventExecutorComplete, forge.EventDevServerStarted,
		forge.EventBuildTestPassed:
		return successStyle.Sprint("  "+checkmark+" ") + r.fit(msg, 4)
	case forge.EventPlannerError, forge.EventBuilderError, forge.EventValidatorFailed,
		forge.EventCheckerFailed, forge.EventDevServerError, forge.EventStageError,
		forge.EventFileError, forge.EventCommandFailed, forge.EventBuildTestFailed:
		return errorStyle.Sprint("  "+xmark+" ") + r.fit(msg, 4)
	case forge.EventFileCreated, forge.EventFilesCreated, forge.EventFileDeleted,
		forge.EventCommandExecuted, forge.EventMissingDependencies, forge.EventExecutorSkipped:
		return infoStyle.Sprint("  "+bullet+" ") + r.fit(msg, 4)
	case forge.EventComplete:
		return ""
	default:
		if !r.verbose {
			return ""
		}
		return mutedStyle.Sprint("  " + bullet + " " + r.fit(msg, 4))
	}
}

// fit truncates s to the terminal width minus indent, counting wide runes.
func (r *renderer) fit(s string, indent int) string {
	s = strings.Join(strings.Fields(s), " ")
	return runewidth.Truncate(s, r.width-indent, "…")
}

func stringList(v any) []string {
	switch items := v.(type) {
	case []string:
		return items
	case []any:
		out := make([]string, 0, len(items))
		for _, item := range items {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// box draws a titled frame around lines, padding by display width.
func box(title string, lines []string) string {
	titleWidth := tablewriter.DisplayWidth(title)
	width := titleWidth + 2
	for _, line := range lines {
		width = max(width, tablewriter.DisplayWidth(line))
	}
	var b strings.Builder
	b.WriteString("┌─ " + title + " " + strings.Repeat("─", width-titleWidth-1) + "┐\n")
	for _, line := range lines {
		b.WriteString("│ " + tablewriter.Pad(line, width) + " │\n")
	}
	b.WriteString("└" + strings.Repeat("─", width+2) + "┘")
	return b.String()
}
