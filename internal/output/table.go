package output

import (
	"fmt"
	"io"
	"strings"

	"github.com/mattn/go-runewidth"
)

// Table renders aligned columns. Widths are measured in terminal cells.
type Table struct {
	writer  io.Writer
	headers []string
	rows    [][]string
	widths  []int
	max     int
}

// NewTable creates a table with headers.
func NewTable(w io.Writer, headers ...string) *Table {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = runewidth.StringWidth(h)
	}
	return &Table{writer: w, headers: headers, widths: widths}
}

// SetMaxColumnWidth truncates cells wider than n. Zero disables the limit.
func (t *Table) SetMaxColumnWidth(n int) { t.max = n }

// AddRow adds a row. Missing trailing cells render empty.
func (t *Table) AddRow(cols ...string) {
	row := make([]string, len(t.headers))
	for i := range row {
		if i < len(cols) {
			row[i] = t.clip(cols[i])
		}
		if w := runewidth.StringWidth(row[i]); w > t.widths[i] {
			t.widths[i] = w
		}
	}
	t.rows = append(t.rows, row)
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.rows) }

func (t *Table) clip(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if t.max > 0 && runewidth.StringWidth(s) > t.max {
		return runewidth.Truncate(s, t.max, "…")
	}
	return s
}

// Render writes the header, a separator and every row.
func (t *Table) Render() {
	t.line(t.headers)
	seps := make([]string, len(t.widths))
	for i, w := range t.widths {
		seps[i] = strings.Repeat("-", w)
	}
	t.line(seps)
	for _, row := range t.rows {
		t.line(row)
	}
}

func (t *Table) line(cols []string) {
	var b strings.Builder
	b.WriteString(" ")
	for i, c := range cols {
		b.WriteString(" ")
		if i == len(cols)-1 {
			b.WriteString(c)
			break
		}
		b.WriteString(runewidth.FillRight(c, t.widths[i]))
		b.WriteString(" ")
	}
	fmt.Fprintln(t.writer, strings.TrimRight(b.String(), " "))
}

// Pluralize returns singular or plural form based on count.
func Pluralize(count int, singular, plural string) string {
	if count == 1 {
		return singular
	}
	return plural
}

// CountStr returns "N item(s)".
func CountStr(count int, singular, plural string) string {
	return fmt.Sprintf("%d %s", count, Pluralize(count, singular, plural))
}
