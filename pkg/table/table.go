// Package table renders the column output of the jpatch CLI.
package table

import (
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Style is the look of a table.
type Style struct {
	Header    lipgloss.Style
	Cell      lipgloss.Style
	Separator string
}

// PlainStyle has no colors.
func PlainStyle() Style {
	return Style{
		Header:    lipgloss.NewStyle().Bold(true).PaddingLeft(1).PaddingRight(1),
		Cell:      lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1),
		Separator: "|",
	}
}

// StyledStyle highlights the header row.
func StyledStyle() Style {
	s := PlainStyle()
	s.Header = s.Header.
		Foreground(lipgloss.Color("#FAFAFA")).
		Background(lipgloss.Color("#7D56F4"))
	return s
}

// Table is a fixed-column text table.
type Table struct {
	headers []string
	rows    [][]string
	align   []lipgloss.Position
	style   Style
	// MaxWidth bounds the rendered width; the last column is truncated to
	// fit. Zero means the terminal width.
	MaxWidth int
}

// New returns a table with the given headers.
func New(styled bool, headers ...string) *Table {
	t := &Table{headers: headers, style: PlainStyle(), align: make([]lipgloss.Position, len(headers))}
	if styled {
		t.style = StyledStyle()
	}
	for i := range t.align {
		t.align[i] = lipgloss.Left
	}
	return t
}

// SetAlignment aligns column col.
func (t *Table) SetAlignment(col int, pos lipgloss.Position) {
	if col >= 0 && col < len(t.align) {
		t.align[col] = pos
	}
}

// AppendRow adds a row. Missing cells render empty and extra cells are
// dropped.
func (t *Table) AppendRow(cells ...string) {
	row := make([]string, len(t.headers))
	copy(row, cells)
	t.rows = append(t.rows, row)
}

// Len is the number of rows.
func (t *Table) Len() int {
	return len(t.rows)
}

func (t *Table) widths() []int {
	w := make([]int, len(t.headers))
	for i, h := range t.headers {
		w[i] = lipgloss.Width(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			w[i] = max(w[i], lipgloss.Width(cell))
		}
	}
	for i := range w {
		w[i] += 2 // padding
	}

	limit := t.MaxWidth
	if limit == 0 {
		limit = terminalWidth()
	}
	if n := len(w); n > 0 && limit > 0 {
		total := len(t.style.Separator) * (n - 1)
		for _, x := range w {
			total += x
		}
		if over := total - limit; over > 0 {
			w[n-1] = max(w[n-1]-over, 5)
		}
	}
	return w
}

func terminalWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
		return w
	}
	return 0
}

func (t *Table) renderRow(row []string, widths []int, style lipgloss.Style) string {
	cells := make([]string, len(row))
	for i, cell := range row {
		inner := widths[i] - 2
		if lipgloss.Width(cell) > inner {
			cell = truncate(cell, inner)
		}
		cells[i] = style.Width(widths[i]).Align(t.align[i]).Render(cell)
	}
	return strings.Join(cells, t.style.Separator)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 1 || len(r) <= n {
		return string(r[:min(len(r), max(n, 0))])
	}
	return string(r[:n-1]) + "…"
}

// Render returns the table as a string without a trailing newline.
func (t *Table) Render() string {
	if len(t.headers) == 0 {
		return ""
	}
	widths := t.widths()

	var sb strings.Builder
	sb.WriteString(t.renderRow(t.headers, widths, t.style.Header))
	sb.WriteByte('\n')
	seps := make([]string, len(widths))
	for i, w := range widths {
		seps[i] = strings.Repeat("-", w)
	}
	sb.WriteString(strings.Join(seps, "+"))
	for _, row := range t.rows {
		sb.WriteByte('\n')
		sb.WriteString(t.renderRow(row, widths, t.style.Cell))
	}
	return sb.String()
}

func (t *Table) String() string {
	return t.Render()
}
