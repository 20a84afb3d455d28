// Package recorder turns editor and assistant interactions into timeline
// events.
package recorder

import (
	"sort"

	"devtimeline/internal/logging"
	"devtimeline/internal/store"
)

// Version is stored in every interaction's details as cursor_version.
const Version = "0.1"

// DefaultSource is used when an interaction names no file.
const DefaultSource = "cursor"

// Interaction is one editor/assistant exchange.
type Interaction struct {
	Kind        store.CursorEventType `json:"kind"`
	UserInput   *string               `json:"user_input,omitempty"`
	AIResponse  *string               `json:"ai_response,omitempty"`
	CodeChanges map[string]any        `json:"code_changes,omitempty"`
	FilePath    string                `json:"file_path,omitempty"`
}

// Recorder writes interactions to a sink.
type Recorder struct {
	sink   store.Sink
	logger *logging.Logger
}

// New creates a Recorder.
func New(sink store.Sink, logger *logging.Logger) *Recorder {
	return &Recorder{
		sink:   sink,
		logger: logger.WithComponent("recorder"),
	}
}

// Record stores in as a cursor event and returns its ID. Store errors are
// logged and returned unchanged.
func (r *Recorder) Record(in Interaction) (int64, error) {
	event := Event(in)

	id, err := r.sink.Insert(event)
	if err != nil {
		r.logger.Error("failed to record interaction", "kind", in.Kind, "source", event.Source, "error", err)
		return 0, err
	}

	r.logger.Info("recorded interaction", "kind", in.Kind, "source", event.Source, "id", id)
	return id, nil
}

// Event builds the timeline event for in without storing it.
func Event(in Interaction) *store.Event {
	source := in.FilePath
	if source == "" {
		source = DefaultSource
	}

	return &store.Event{
		EventType: store.EventCursor,
		Source:    source,
		Action:    string(in.Kind),
		Details: map[string]any{
			"cursor_version":   Version,
			"has_code_changes": len(in.CodeChanges) > 0,
			"files_affected":   filesAffected(in.CodeChanges),
		},
		Cursor: &store.CursorFields{
			Kind:        in.Kind,
			UserInput:   in.UserInput,
			AIResponse:  in.AIResponse,
			CodeChanges: in.CodeChanges,
		},
	}
}

func filesAffected(changes map[string]any) []string {
	files := make([]string, 0, len(changes))
	for path := range changes {
		files = append(files, path)
	}
	sort.Strings(files)
	return files
}
