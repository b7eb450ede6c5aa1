package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	alertStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#E06C75"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#98C379"))
)

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// table renders rows in aligned columns.
type table struct {
	title   string
	headers []string
	rows    [][]string
}

func newTable(title string, headers ...string) *table {
	return &table{title: title, headers: headers}
}

func (t *table) add(row ...string) {
	t.rows = append(t.rows, row)
}

func (t *table) render(w io.Writer) {
	if t.title != "" {
		fmt.Fprintln(w, titleStyle.Render(t.title))
	}
	if len(t.rows) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("(none)"))
		return
	}

	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) {
				if cw := lipgloss.Width(cell); cw > widths[i] {
					widths[i] = cw
				}
			}
		}
	}
	// Width includes the padding.
	for i := range widths {
		widths[i] += 2
	}

	sep := mutedStyle.Render("|")
	var sb strings.Builder
	for i, h := range t.headers {
		if i > 0 {
			sb.WriteString(sep)
		}
		sb.WriteString(headerStyle.Width(widths[i]).Render(h))
	}
	fmt.Fprintln(w, sb.String())

	total := len(widths) - 1
	for _, cw := range widths {
		total += cw
	}
	fmt.Fprintln(w, mutedStyle.Render(strings.Repeat("-", total)))

	for _, row := range t.rows {
		sb.Reset()
		for i := range t.headers {
			if i > 0 {
				sb.WriteString(sep)
			}
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			sb.WriteString(cellStyle.Width(widths[i]).Render(cell))
		}
		fmt.Fprintln(w, sb.String())
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
