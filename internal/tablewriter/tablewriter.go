// Package tablewriter renders small aligned tables for the terminal.
package tablewriter

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/mattn/go-runewidth"
)

var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// StripANSI removes color escape sequences.
func StripANSI(s string) string {
	return ansiRegex.ReplaceAllString(s, "")
}

// DisplayWidth is the number of terminal columns s occupies, ignoring
// escape sequences and counting wide runes twice.
func DisplayWidth(s string) int {
	return runewidth.StringWidth(StripANSI(s))
}

// Pad right-pads s with spaces to width columns.
func Pad(s string, width int) string {
	if n := width - DisplayWidth(s); n > 0 {
		return s + strings.Repeat(" ", n)
	}
	return s
}

// Writer collects rows and renders them with bordered, aligned columns.
// Rows longer than the header are cut to the header's column count.
type Writer struct {
	out     io.Writer
	headers []string
	rows    [][]string
	widths  []int
	columns int
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{out: w}
}

func (t *Writer) SetHeader(headers ...string) {
	t.headers = headers
	t.columns = len(headers)
	t.measure(headers)
}

func (t *Writer) Append(row ...string) {
	t.rows = append(t.rows, row)
	t.measure(row)
}

func (t *Writer) measure(row []string) {
	n := len(row)
	if t.columns > 0 && n > t.columns {
		n = t.columns
	}
	for i := 0; i < n; i++ {
		if i >= len(t.widths) {
			t.widths = append(t.widths, 0)
		}
		t.widths[i] = max(t.widths[i], DisplayWidth(row[i]))
	}
}

// Render writes the table. An empty table writes nothing.
func (t *Writer) Render() error {
	if len(t.headers) == 0 && len(t.rows) == 0 {
		return nil
	}
	var b strings.Builder
	border := t.border()
	b.WriteString(border)
	if len(t.headers) > 0 {
		t.writeRow(&b, t.headers)
		b.WriteString(border)
	}
	for _, row := range t.rows {
		t.writeRow(&b, row)
	}
	b.WriteString(border)
	_, err := io.WriteString(t.out, b.String())
	return err
}

func (t *Writer) border() string {
	var b strings.Builder
	b.WriteString("+")
	for _, w := range t.widths {
		b.WriteString(strings.Repeat("-", w+2) + "+")
	}
	b.WriteString("\n")
	return b.String()
}

func (t *Writer) writeRow(b *strings.Builder, row []string) {
	b.WriteString("|")
	for i, w := range t.widths {
		var cell string
		if i < len(row) {
			cell = row[i]
		}
		fmt.Fprintf(b, " %s |", Pad(cell, w))
	}
	b.WriteString("\n")
}
