package supervisor

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Process states reported by CheckHealth.
const (
	StatusRunning       = "running"
	StatusDead          = "dead"
	StatusNotResponding = "not-responding"
)

// HealthReport is the state of one process at one check.
type HealthReport struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	PID    int    `json:"pid"`

	// MemoryBytes is nil when the resident size is unknown.
	MemoryBytes *uint64 `json:"memory_bytes,omitempty"`
}

// CheckHealth reports every started process. The designated HTTP child is
// also probed and reported not-responding when the probe fails.
func (s *Supervisor) CheckHealth(ctx context.Context) []HealthReport {
	processes := s.snapshot()
	reports := make([]HealthReport, 0, len(processes))

	for _, p := range processes {
		report := HealthReport{Name: p.spec.Name, PID: p.pid, Status: StatusDead}

		if p.alive() {
			report.Status = StatusRunning
			report.MemoryBytes = residentMemory(p.pid)

			if p.spec.HealthURL != "" {
				if err := s.prober.Probe(ctx, p.spec.HealthURL); err != nil {
					s.probeFailed(p.spec.Name)
					s.logger.Warn("health probe failed", "process", p.spec.Name, "error", err)
					report.Status = StatusNotResponding
				}
			}
		}

		s.observe(p.spec.Name, p.alive(), report.MemoryBytes)
		reports = append(reports, report)
	}
	return reports
}

var (
	statusTitleStyle = lipgloss.NewStyle().Bold(true)
	statusCellStyle  = lipgloss.NewStyle().Padding(0, 1)
	statusColors     = map[string]lipgloss.Color{
		StatusRunning:       "42",
		StatusDead:          "196",
		StatusNotResponding: "214",
	}
)

// RenderStatus writes reports as the "Service Status" table.
func RenderStatus(w io.Writer, reports []HealthReport) error {
	rows := make([][]string, 0, len(reports))
	for _, r := range reports {
		memory := "N/A"
		if r.MemoryBytes != nil {
			memory = fmt.Sprintf("%.1f MB", float64(*r.MemoryBytes)/1024/1024)
		}
		rows = append(rows, []string{r.Name, r.Status, strconv.Itoa(r.PID), memory})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers("Service", "Status", "PID", "Memory").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return statusCellStyle.Bold(true)
			}
			if col == 1 && row >= 0 && row < len(rows) {
				return statusCellStyle.Foreground(statusColors[rows[row][1]])
			}
			return statusCellStyle
		})

	_, err := fmt.Fprintf(w, "%s\n%s\n", statusTitleStyle.Render("Service Status"), t.String())
	return err
}
