package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"devtimeline/internal/store"
)

// TimeLayout is used for every rendered timestamp.
const TimeLayout = "2006-01-02 15:04:05"

// Ellipsis marks clipped text.
const Ellipsis = "..."

type markdown struct {
	bytes.Buffer
	previewLimit int
}

func (m *markdown) header(generated time.Time, runID string) {
	m.WriteString("# Timeline Events Log\n\n")
	fmt.Fprintf(m, "Generated: %s\n", generated.Format(TimeLayout))
	fmt.Fprintf(m, "Run: %s\n\n", runID)
}

func (m *markdown) event(e *store.Event) {
	fmt.Fprintf(m, "## %s\n", e.Timestamp.Local().Format(TimeLayout))
	fmt.Fprintf(m, "- Type: %s\n", e.EventType)
	fmt.Fprintf(m, "- Source: %s\n", e.Source)
	fmt.Fprintf(m, "- Action: %s\n", e.Action)

	if len(e.Details) > 0 {
		m.WriteString("### Details\n```json\n")
		m.WriteString(indentJSON(e.Details))
		m.WriteString("\n```\n")
	}

	if e.Content != nil && *e.Content != "" {
		m.WriteString("### Content\n```\n")
		m.WriteString(Clip(*e.Content, m.previewLimit))
		m.WriteString("\n```\n\n")
	}

	m.WriteString("---\n\n")
}

// RenderMarkdown writes the export sections for events, without the file
// header, using the default preview limit.
func RenderMarkdown(w io.Writer, events []store.Event) error {
	md := &markdown{previewLimit: 500}
	for i := range events {
		md.event(&events[i])
	}
	_, err := w.Write(md.Bytes())
	return err
}

// Clip returns the first limit characters of s followed by Ellipsis, or s
// unchanged when it is no longer than limit.
func Clip(s string, limit int) string {
	runes := 0
	for i := range s {
		if runes == limit {
			return s[:i] + Ellipsis
		}
		runes++
	}
	return s
}

func indentJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
