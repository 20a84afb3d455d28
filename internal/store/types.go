// Package store provides the SQLite-backed activity timeline.
package store

import (
	"context"
	"fmt"
	"time"

	"devtimeline/internal/errclass"
)

// EventType classifies an event by the producer that observed it.
type EventType string

const (
	// EventFileChange is a modification seen by the filesystem watcher.
	EventFileChange EventType = "file_change"
	// EventCursor is an editor/assistant interaction.
	EventCursor EventType = "cursor"
	// EventTerminal is a chunk of terminal output.
	EventTerminal EventType = "terminal"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventFileChange, EventCursor, EventTerminal:
		return true
	}
	return false
}

// EventTypes returns every known event type.
func EventTypes() []EventType {
	return []EventType{EventFileChange, EventCursor, EventTerminal}
}

// ParseEventType parses s, accepting only known event types.
func ParseEventType(s string) (EventType, error) {
	t := EventType(s)
	if !t.Valid() {
		return "", errclass.ErrInvalidEvent.WithMessagef("unknown event type %q", s)
	}
	return t, nil
}

// CursorEventType is the kind of an editor interaction.
type CursorEventType string

const (
	CursorChat       CursorEventType = "chat"
	CursorCompose    CursorEventType = "compose"
	CursorCreate     CursorEventType = "create"
	CursorEdit       CursorEventType = "edit"
	CursorCommand    CursorEventType = "command"
	CursorSuggestion CursorEventType = "suggestion"
)

// Valid reports whether k is a known interaction kind.
func (k CursorEventType) Valid() bool {
	switch k {
	case CursorChat, CursorCompose, CursorCreate, CursorEdit, CursorCommand, CursorSuggestion:
		return true
	}
	return false
}

// CursorEventTypes returns every known interaction kind.
func CursorEventTypes() []CursorEventType {
	return []CursorEventType{CursorChat, CursorCompose, CursorCreate, CursorEdit, CursorCommand, CursorSuggestion}
}

// CursorFields are the columns populated only for cursor events.
type CursorFields struct {
	Kind        CursorEventType `json:"cursor_event_type"`
	UserInput   *string         `json:"user_input,omitempty"`
	AIResponse  *string         `json:"ai_response,omitempty"`
	CodeChanges map[string]any  `json:"code_changes,omitempty"`
}

// Event is one row of the timeline. ID and Timestamp are assigned by the
// store on insert.
type Event struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	EventType EventType      `json:"event_type"`
	Source    string         `json:"source"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
	Content   *string        `json:"content,omitempty"`
	Cursor    *CursorFields  `json:"cursor,omitempty"`
}

// Validate checks the invariants every stored event satisfies.
func (e *Event) Validate() error {
	if e == nil {
		return errclass.ErrInvalidEvent.WithMessage("nil event")
	}
	if !e.EventType.Valid() {
		return errclass.ErrInvalidEvent.WithMessagef("unknown event type %q", e.EventType)
	}
	if e.Source == "" {
		return errclass.ErrInvalidEvent.WithMessage("empty source")
	}
	if e.Action == "" {
		return errclass.ErrInvalidEvent.WithMessage("empty action")
	}

	switch {
	case e.EventType == EventCursor && e.Cursor == nil:
		return errclass.ErrInvalidEvent.WithMessage("cursor event without cursor fields")
	case e.EventType != EventCursor && e.Cursor != nil:
		return errclass.ErrInvalidEvent.WithMessagef("%s event with cursor fields", e.EventType)
	case e.Cursor != nil && !e.Cursor.Kind.Valid():
		return errclass.ErrInvalidEvent.WithMessagef("unknown cursor event type %q", e.Cursor.Kind)
	}
	return nil
}

// String renders a compact one-line description.
func (e Event) String() string {
	return fmt.Sprintf("#%d %s %s %s %s", e.ID, e.Timestamp.Format(time.RFC3339Nano), e.EventType, e.Action, e.Source)
}

// Filter narrows a query. Zero fields do not filter.
type Filter struct {
	EventType EventType

	// SourceSubstring matches anywhere in the source, ASCII case-insensitively.
	SourceSubstring string

	// Since is inclusive, Until exclusive.
	Since time.Time
	Until time.Time
}

// Sink accepts new events. Producers depend on it rather than on *Store so
// that decorators can sit in between.
type Sink interface {
	Insert(e *Event) (int64, error)
}

// Querier reads events, most recent first.
type Querier interface {
	Query(ctx context.Context, f Filter, limit int) ([]Event, error)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(e *Event) (int64, error)

// Insert calls f(e).
func (f SinkFunc) Insert(e *Event) (int64, error) {
	return f(e)
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}
