package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devtimeline/internal/errclass"
)

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "timeline.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func fileEvent(path string) *Event {
	return &Event{
		EventType: EventFileChange,
		Source:    path,
		Action:    "modified",
		Details:   map[string]any{"size": 42, "extension": ".go"},
		Content:   StringPtr("package main"),
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "timeline.db")

	s, err := Open(dbPath)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, dbPath, s.Path())
	assert.FileExists(t, dbPath)
	assert.NoError(t, ValidateSchema(s.DB()))
	assert.NoError(t, s.Ping(context.Background()))
}

func TestValidateSchemaReportsMissingTable(t *testing.T) {
	s := openTestStore(t)
	_, err := s.DB().Exec("DROP TABLE timeline_events")
	require.NoError(t, err)
	assert.ErrorContains(t, ValidateSchema(s.DB()), "missing table")
}

func TestOpenRejectsNewerSchema(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "timeline.db")
	s, err := Open(dbPath)
	require.NoError(t, err)
	_, err = s.DB().Exec("PRAGMA user_version = 99")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(dbPath)
	assert.ErrorIs(t, err, errclass.ErrStoreUnavailable)
}

func TestOpenRejectsIncompleteTable(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "timeline.db")
	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE timeline_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp_ns INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		source TEXT NOT NULL,
		action TEXT NOT NULL
	)`)
	require.NoError(t, err)
	_, err = db.Exec(fmt.Sprintf("PRAGMA user_version = %d", LatestSchemaVersion()))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Open(dbPath)
	assert.ErrorIs(t, err, errclass.ErrStoreUnavailable)
	assert.ErrorContains(t, err, "details")
}

func TestCloseNilDB(t *testing.T) {
	s := &Store{db: nil}
	assert.NoError(t, s.Close())
}

func TestInitIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "timeline.db")

	s, err := Open(dbPath)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := s.Insert(fileEvent(fmt.Sprintf("f%d.txt", i)))
		require.NoError(t, err)
	}

	require.NoError(t, s.Init())
	require.NoError(t, s.Init())
	require.NoError(t, s.Close())

	s, err = Open(dbPath)
	require.NoError(t, err)
	defer s.Close()

	n, err := s.Count(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	version, err := SchemaVersion(s.DB())
	require.NoError(t, err)
	assert.Equal(t, LatestSchemaVersion(), version)

	var tables int
	require.NoError(t, s.DB().QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='timeline_events'").Scan(&tables))
	assert.Equal(t, 1, tables)
}

func TestInsertAndQueryByType(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Insert(fileEvent("a.txt"))
	require.NoError(t, err)
	_, err = s.Insert(&Event{EventType: EventTerminal, Source: "shell", Action: "command", Content: StringPtr("ls\r\n")})
	require.NoError(t, err)
	_, err = s.Insert(fileEvent("b.txt"))
	require.NoError(t, err)

	events, err := s.Query(ctx, Filter{EventType: EventFileChange}, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "b.txt", events[0].Source)
	assert.Equal(t, "a.txt", events[1].Source)
	for _, e := range events {
		assert.Equal(t, EventFileChange, e.EventType)
	}
	assert.True(t, events[0].Timestamp.After(events[1].Timestamp))
}

func TestInsertAssignsIDAndTimestamp(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := openTestStore(t, WithClock(func() time.Time { return fixed }))

	e := fileEvent("main.go")
	e.Timestamp = time.Unix(0, 0)
	id, err := s.Insert(e)
	require.NoError(t, err)

	assert.Equal(t, id, e.ID)
	assert.Equal(t, fixed, e.Timestamp)

	events, err := s.Query(context.Background(), Filter{}, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)

	got := events[0]
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "main.go", got.Source)
	assert.Equal(t, "modified", got.Action)
	assert.Equal(t, fixed, got.Timestamp)
	require.NotNil(t, got.Content)
	assert.Equal(t, "package main", *got.Content)
	assert.Equal(t, float64(42), got.Details["size"])
	assert.Equal(t, ".go", got.Details["extension"])
	assert.Nil(t, got.Cursor)
}

func TestTimestampsStrictlyIncrease(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := openTestStore(t, WithClock(func() time.Time { return fixed }))

	for i := 0; i < 5; i++ {
		_, err := s.Insert(fileEvent(fmt.Sprintf("f%d", i)))
		require.NoError(t, err)
	}

	events, err := s.Query(context.Background(), Filter{}, 0)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i := 0; i < len(events)-1; i++ {
		assert.True(t, events[i].Timestamp.After(events[i+1].Timestamp))
		assert.Greater(t, events[i].ID, events[i+1].ID)
	}
	assert.Equal(t, "f4", events[0].Source)
}

func TestTimestampsSurviveReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "timeline.db")
	future := time.Now().Add(time.Hour)

	s, err := Open(dbPath, WithClock(func() time.Time { return future }))
	require.NoError(t, err)
	first := fileEvent("first")
	_, err = s.Insert(first)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(dbPath)
	require.NoError(t, err)
	defer s.Close()

	second := fileEvent("second")
	_, err = s.Insert(second)
	require.NoError(t, err)
	assert.True(t, second.Timestamp.After(first.Timestamp))
}

func TestNonCursorRowsHaveNullCursorColumns(t *testing.T) {
	s := openTestStore(t)

	id, err := s.Insert(fileEvent("x.py"))
	require.NoError(t, err)

	var kind, input, response, changes sql.NullString
	require.NoError(t, s.DB().QueryRow(
		`SELECT cursor_event_type, user_input, ai_response, code_changes FROM timeline_events WHERE id = ?`, id,
	).Scan(&kind, &input, &response, &changes))

	assert.False(t, kind.Valid)
	assert.False(t, input.Valid)
	assert.False(t, response.Valid)
	assert.False(t, changes.Valid)
}

func TestCursorRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Insert(&Event{
		EventType: EventCursor,
		Source:    "app.py",
		Action:    "edit",
		Details:   map[string]any{"cursor_version": "0.1"},
		Cursor: &CursorFields{
			Kind:        CursorEdit,
			UserInput:   StringPtr("rename foo"),
			CodeChanges: map[string]any{"app.py": "+def bar()"},
		},
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NotNil(t, got.Cursor)

	assert.Equal(t, CursorEdit, got.Cursor.Kind)
	require.NotNil(t, got.Cursor.UserInput)
	assert.Equal(t, "rename foo", *got.Cursor.UserInput)
	assert.Nil(t, got.Cursor.AIResponse)
	assert.Equal(t, "+def bar()", got.Cursor.CodeChanges["app.py"])
	assert.Nil(t, got.Content)
}

func TestInsertRejectsInvalidEvents(t *testing.T) {
	s := openTestStore(t)

	tests := []struct {
		name  string
		event *Event
	}{
		{"nil", nil},
		{"unknown type", &Event{EventType: "keyboard", Source: "s", Action: "a"}},
		{"empty source", &Event{EventType: EventTerminal, Action: "command"}},
		{"empty action", &Event{EventType: EventTerminal, Source: "shell"}},
		{"cursor without fields", &Event{EventType: EventCursor, Source: "cursor", Action: "chat"}},
		{"fields on non-cursor", &Event{EventType: EventTerminal, Source: "shell", Action: "command",
			Cursor: &CursorFields{Kind: CursorChat}}},
		{"unknown cursor kind", &Event{EventType: EventCursor, Source: "cursor", Action: "chat",
			Cursor: &CursorFields{Kind: "dance"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Insert(tt.event)
			assert.ErrorIs(t, err, errclass.ErrInvalidEvent)
		})
	}

	n, err := s.Count(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueryLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < DefaultLimit+5; i++ {
		_, err := s.Insert(fileEvent(fmt.Sprintf("f%03d", i)))
		require.NoError(t, err)
	}

	events, err := s.Query(ctx, Filter{}, 0)
	require.NoError(t, err)
	assert.Len(t, events, DefaultLimit)

	events, err = s.Query(ctx, Filter{}, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, fmt.Sprintf("f%03d", DefaultLimit+4), events[0].Source)
}

func TestQueryBySourceSubstring(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, src := range []string{"src/Main.go", "src/main_test.go", "docs/readme.md", "mainXtest.go"} {
		_, err := s.Insert(fileEvent(src))
		require.NoError(t, err)
	}

	events, err := s.Query(ctx, Filter{SourceSubstring: "main"}, 10)
	require.NoError(t, err)
	assert.Len(t, events, 3)

	// Wildcards in the needle are literal.
	events, err = s.Query(ctx, Filter{SourceSubstring: "main_test"}, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "src/main_test.go", events[0].Source)

	events, err = s.Query(ctx, Filter{SourceSubstring: "%"}, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestQueryTimeWindow(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s := openTestStore(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		now = now.Add(time.Minute)
		_, err := s.Insert(fileEvent(fmt.Sprintf("f%d", i)))
		require.NoError(t, err)
	}

	start := time.Date(2026, 5, 1, 12, 2, 0, 0, time.UTC)
	events, err := s.Query(ctx, Filter{Since: start, Until: start.Add(2 * time.Minute)}, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "f2", events[0].Source)
	assert.Equal(t, "f1", events[1].Source)

	n, err := s.Count(ctx, Filter{Since: start})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestQueryUnknownType(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Query(context.Background(), Filter{EventType: "bogus"}, 10)
	assert.ErrorIs(t, err, errclass.ErrInvalidEvent)
}

func TestQueryEmptyStore(t *testing.T) {
	s := openTestStore(t)
	events, err := s.Query(context.Background(), Filter{}, 10)
	require.NoError(t, err)
	assert.NotNil(t, events)
	assert.Empty(t, events)
}

func TestGetMissing(t *testing.T) {
	s := openTestStore(t)
	e, err := s.Get(context.Background(), 999)
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestConcurrentInserts(t *testing.T) {
	s := openTestStore(t)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, err := s.Insert(fileEvent(fmt.Sprintf("w%d/%d", w, i)))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	events, err := s.Query(context.Background(), Filter{}, 500)
	require.NoError(t, err)
	require.Len(t, events, 200)

	seen := make(map[int64]bool)
	for _, e := range events {
		ns := e.Timestamp.UnixNano()
		assert.False(t, seen[ns], "duplicate timestamp %d", ns)
		seen[ns] = true
	}
}

func TestOpenWithRetryGivesUp(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	start := time.Now()
	_, err := OpenWithRetry(context.Background(), filepath.Join(blocker, "timeline.db"), 3, 10*time.Millisecond)
	assert.ErrorIs(t, err, errclass.ErrStoreUnavailable)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestOpenWithRetryHonoursContext(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := OpenWithRetry(ctx, filepath.Join(blocker, "timeline.db"), 5, time.Hour)
	assert.ErrorIs(t, err, errclass.ErrStoreUnavailable)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenWithRetrySucceeds(t *testing.T) {
	s, err := OpenWithRetry(context.Background(), filepath.Join(t.TempDir(), "timeline.db"), 3, time.Millisecond)
	require.NoError(t, err)
	defer s.Close()
}

func TestSinkFunc(t *testing.T) {
	var got *Event
	var sink Sink = SinkFunc(func(e *Event) (int64, error) {
		got = e
		return 7, nil
	})

	id, err := sink.Insert(fileEvent("a"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.Equal(t, "a", got.Source)
}

func TestParseEventType(t *testing.T) {
	et, err := ParseEventType("terminal")
	require.NoError(t, err)
	assert.Equal(t, EventTerminal, et)

	_, err = ParseEventType("TERMINAL")
	assert.ErrorIs(t, err, errclass.ErrInvalidEvent)
}
