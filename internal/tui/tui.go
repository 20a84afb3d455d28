// Package tui is a live terminal view of the timeline.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"devtimeline/internal/report"
	"devtimeline/internal/store"
)

const (
	PollRate       = time.Second
	MaxEvents      = 50
	viewportHeight = 20
	fetchTimeout   = 500 * time.Millisecond
)

var (
	subtleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true)

	paneStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1)

	timeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(10)
	actionStyle = lipgloss.NewStyle().Width(10)

	typeStyles = map[store.EventType]lipgloss.Style{
		store.EventFileChange: lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Width(12).Bold(true),
		store.EventCursor:     lipgloss.NewStyle().Foreground(lipgloss.Color("99")).Width(12).Bold(true),
		store.EventTerminal:   lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Width(12).Bold(true),
	}
)

// Source is what the view polls.
type Source interface {
	store.Querier
	Count(ctx context.Context, f store.Filter) (int64, error)
}

type tickMsg time.Time

type dataMsg struct {
	events []store.Event
	counts map[store.EventType]int64
	err    error
}

// Model is the bubbletea model. Keys: q quits, t cycles the type filter.
type Model struct {
	q        Source
	spinner  spinner.Model
	viewport viewport.Model
	filter   store.EventType
	events   []store.Event
	counts   map[store.EventType]int64
	err      error
	ready    bool
}

// New creates a model polling q.
func New(q Source) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return Model{
		q:        q,
		spinner:  s,
		viewport: newViewport(100),
		counts:   map[store.EventType]int64{},
	}
}

// Run starts the full-screen program and blocks until the user quits.
func Run(q Source) error {
	_, err := tea.NewProgram(New(q), tea.WithAltScreen()).Run()
	return err
}

func newViewport(width int) viewport.Model {
	vp := viewport.New(width, viewportHeight)
	vp.Style = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		PaddingRight(2)
	return vp
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetch(), tick())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "t":
			m.filter = nextFilter(m.filter)
			return m, m.fetch()
		}
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case spinner.TickMsg:
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		return m, tea.Batch(m.fetch(), tick())

	case dataMsg:
		if msg.err != nil {
			m.err = msg.err
		} else {
			m.err = nil
			m.events = msg.events
			m.counts = msg.counts
			m.viewport.SetContent(renderEvents(m.events))
		}
		m.ready = true

	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width
		m.viewport.Height = viewportHeight
	}

	return m, nil
}

func (m Model) View() string {
	if !m.ready {
		return fmt.Sprintf("\n%s Loading timeline...", m.spinner.View())
	}

	var summary strings.Builder
	summary.WriteString(lipgloss.NewStyle().Bold(true).Underline(true).Render("Events by type") + "\n\n")
	for _, t := range store.EventTypes() {
		fmt.Fprintf(&summary, "%s %d\n", typeStyles[t].Render(string(t)), m.counts[t])
	}
	top := paneStyle.Render(strings.TrimRight(summary.String(), "\n"))

	filter := "all"
	if m.filter != "" {
		filter = string(m.filter)
	}
	header := headerStyle.Render(fmt.Sprintf("%s Activity (%s)", m.spinner.View(), filter))

	var status string
	if m.err != nil {
		status = errorStyle.Render(fmt.Sprintf("Store unavailable: %v", m.err))
	} else {
		status = okStyle.Render(fmt.Sprintf("%d events shown", len(m.events)))
	}
	footer := subtleStyle.Render(fmt.Sprintf("\n%s\nt: filter type • q: quit", status))

	return lipgloss.JoinVertical(lipgloss.Left, top, header, m.viewport.View(), footer)
}

func renderEvents(events []store.Event) string {
	if len(events) == 0 {
		return subtleStyle.Render("No events yet.")
	}

	var sb strings.Builder
	for _, e := range events {
		style, ok := typeStyles[e.EventType]
		if !ok {
			style = lipgloss.NewStyle().Width(12)
		}
		fmt.Fprintf(&sb, "%s %s %s %s\n",
			timeStyle.Render(e.Timestamp.Local().Format("15:04:05")),
			style.Render(string(e.EventType)),
			actionStyle.Render(e.Action),
			report.Clip(e.Source, 60),
		)
	}
	return sb.String()
}

// nextFilter cycles "" → file_change → cursor → terminal → "".
func nextFilter(cur store.EventType) store.EventType {
	types := store.EventTypes()
	if cur == "" {
		return types[0]
	}
	for i, t := range types {
		if t == cur && i+1 < len(types) {
			return types[i+1]
		}
	}
	return ""
}

func (m Model) fetch() tea.Cmd {
	q, filter := m.q, m.filter
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		events, err := q.Query(ctx, store.Filter{EventType: filter}, MaxEvents)
		if err != nil {
			return dataMsg{err: err}
		}

		counts := make(map[store.EventType]int64, 3)
		for _, t := range store.EventTypes() {
			n, err := q.Count(ctx, store.Filter{EventType: t})
			if err != nil {
				return dataMsg{err: err}
			}
			counts[t] = n
		}
		return dataMsg{events: events, counts: counts}
	}
}

func tick() tea.Cmd {
	return tea.Tick(PollRate, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}
