package style

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
)

// Alignment is a column's horizontal alignment.
type Alignment int

const (
	AlignLeft Alignment = iota
	AlignRight
	AlignCenter
)

func (a Alignment) position() lipgloss.Position {
	switch a {
	case AlignRight:
		return lipgloss.Right
	case AlignCenter:
		return lipgloss.Center
	}
	return lipgloss.Left
}

// Column is one table column. Width is in terminal cells; longer values,
// styled or not, are cut with an ellipsis.
type Column struct {
	Name  string
	Width int
	Align Alignment
}

// Table renders fixed-width rows under a bold header and a dim rule.
type Table struct {
	columns []Column
	rows    [][]string
	indent  string
}

// NewTable creates a table indented by two spaces.
func NewTable(columns ...Column) *Table {
	return &Table{columns: columns, indent: "  "}
}

// SetIndent sets the left indent for every line.
func (t *Table) SetIndent(indent string) *Table {
	t.indent = indent
	return t
}

// AddRow appends a row. Missing trailing values render empty.
func (t *Table) AddRow(values ...string) *Table {
	t.rows = append(t.rows, values)
	return t
}

// Render returns the table, one line per row.
func (t *Table) Render() string {
	if len(t.columns) == 0 {
		return ""
	}

	names := make([]string, len(t.columns))
	width := len(t.columns) - 1
	for i, c := range t.columns {
		names[i] = Bold.Render(c.Name)
		width += c.Width
	}

	var sb strings.Builder
	t.writeLine(&sb, names)
	sb.WriteString(t.indent + Dim.Render(strings.Repeat("─", width)) + "\n")
	for _, row := range t.rows {
		t.writeLine(&sb, row)
	}
	return sb.String()
}

func (t *Table) writeLine(sb *strings.Builder, values []string) {
	cells := make([]string, len(t.columns))
	for i, c := range t.columns {
		var v string
		if i < len(values) {
			v = values[i]
		}
		cells[i] = fit(v, c)
	}
	sb.WriteString(strings.TrimRight(t.indent+strings.Join(cells, " "), " "))
	sb.WriteByte('\n')
}

// fit truncates and pads v to the column width, keeping ANSI styling.
func fit(v string, c Column) string {
	if c.Width <= 0 {
		return v
	}
	if ansi.StringWidth(v) > c.Width {
		v = ansi.Truncate(v, c.Width, "…")
	}
	return lipgloss.PlaceHorizontal(c.Width, c.Align.position(), v)
}

// SuggestionBox renders an error with "did you mean" candidates and a hint.
func SuggestionBox(message string, suggestions []string, hint string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "\n%s %s\n", ErrorPrefix, message)
	if len(suggestions) > 0 {
		sb.WriteString("\n  Did you mean?\n")
		for _, s := range suggestions {
			fmt.Fprintf(&sb, "    • %s\n", s)
		}
	}
	if hint != "" {
		fmt.Fprintf(&sb, "\n  %s\n", Dim.Render(hint))
	}
	return sb.String()
}

// ProgressBar renders percent (clamped to 0..100) as a bar of width cells.
func ProgressBar(percent int, width int) string {
	percent = max(0, min(percent, 100))
	filled := percent * width / 100
	return fmt.Sprintf("[%s%s] %d%%", strings.Repeat("█", filled), strings.Repeat("░", width-filled), percent)
}
