package report

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"devtimeline/internal/store"
)

// CellLimit clips the Source and Details columns.
const CellLimit = 50

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)

	columnColors = []lipgloss.Color{"51", "42", "220", "201", "39"}
)

// RenderTable writes events as a bordered table titled with their count.
func RenderTable(w io.Writer, events []store.Event) error {
	rows := make([][]string, 0, len(events))
	for _, e := range events {
		details := ""
		if len(e.Details) > 0 {
			details = indentJSON(e.Details)
		}
		rows = append(rows, []string{
			e.Timestamp.Local().Format(TimeLayout),
			string(e.EventType),
			Clip(e.Source, CellLimit),
			e.Action,
			Clip(details, CellLimit),
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers("Time", "Type", "Source", "Action", "Details").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle.Foreground(columnColors[col%len(columnColors)])
		})

	title := titleStyle.Render(fmt.Sprintf("Recent Timeline Events (Last %d)", len(events)))
	_, err := fmt.Fprintf(w, "%s\n%s\n", title, t.String())
	return err
}
