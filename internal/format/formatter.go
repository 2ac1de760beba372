// Package format renders Genie query results into chat-displayable
// markdown. Pure transformations, no I/O.
package format

import (
	"fmt"
	"strings"

	"github.com/genieops/teams-genie-bot/internal/genie"
)

// MaxDisplayRows caps how many result rows a single reply shows.
const MaxDisplayRows = 50

// nullDisplay is what SQL NULL cells render as.
const nullDisplay = "NULL"

// Render converts a query result into reply text. Zero columns render
// as plain text; tabular results become a monospace table capped at
// MaxDisplayRows with a truncation indicator when rows were dropped,
// either here or upstream by the statement API.
func Render(result *genie.QueryResult) string {
	if result == nil || len(result.Rows) == 0 {
		return ""
	}

	if len(result.Columns) == 0 {
		return renderPlain(result)
	}
	return renderTable(result)
}

// PlainText wraps narrative text in a QueryResult so completed
// messages without a query attachment flow through the same rendering
// path.
func PlainText(text string) *genie.QueryResult {
	return &genie.QueryResult{Rows: [][]*string{{&text}}}
}

func renderPlain(result *genie.QueryResult) string {
	var parts []string
	for _, row := range result.Rows {
		for _, cell := range row {
			if cell != nil && *cell != "" {
				parts = append(parts, *cell)
			}
		}
	}
	return strings.Join(parts, "\n\n")
}

func renderTable(result *genie.QueryResult) string {
	rows := result.Rows
	hiddenRows := 0
	if len(rows) > MaxDisplayRows {
		hiddenRows = len(rows) - MaxDisplayRows
		rows = rows[:MaxDisplayRows]
	}

	// Column widths over header and displayed rows only
	widths := make([]int, len(result.Columns))
	for i, col := range result.Columns {
		widths[i] = len(col.Name)
	}
	for _, row := range rows {
		for i := range row {
			if i >= len(widths) {
				break
			}
			if w := len(cellText(row[i])); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var b strings.Builder
	b.WriteString("```\n")

	header := make([]string, len(result.Columns))
	for i, col := range result.Columns {
		header[i] = pad(col.Name, widths[i])
	}
	b.WriteString(strings.Join(header, " | "))
	b.WriteByte('\n')

	separator := make([]string, len(widths))
	for i, w := range widths {
		separator[i] = strings.Repeat("-", w)
	}
	b.WriteString(strings.Join(separator, "-+-"))
	b.WriteByte('\n')

	for _, row := range rows {
		cells := make([]string, 0, len(widths))
		for i := range row {
			if i >= len(widths) {
				break
			}
			cells = append(cells, pad(cellText(row[i]), widths[i]))
		}
		b.WriteString(strings.Join(cells, " | "))
		b.WriteByte('\n')
	}
	b.WriteString("```")

	switch {
	case hiddenRows > 0:
		b.WriteString(fmt.Sprintf("\n\n(%d more rows...)", hiddenRows))
	case result.Truncated:
		b.WriteString("\n\n(results truncated)")
	}

	return b.String()
}

func cellText(cell *string) string {
	if cell == nil {
		return nullDisplay
	}
	return *cell
}

func pad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}
