package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"devtimeline/internal/errclass"
)

// DefaultLimit applies when a query passes a non-positive limit.
const DefaultLimit = 100

const eventColumns = `id, timestamp_ns, event_type, source, action, details, content,
	cursor_event_type, user_input, ai_response, code_changes`

// Store is the SQLite event store. Writes are serialised; reads are not.
type Store struct {
	db          *sql.DB
	path        string
	clock       func() time.Time
	busyTimeout time.Duration

	mu     sync.Mutex
	lastNs int64
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the time source used to stamp inserted events.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// WithBusyTimeout sets how long SQLite waits on a locked database.
func WithBusyTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.busyTimeout = d
	}
}

// Open opens or creates the database at path and initialises its schema.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:        path,
		clock:       time.Now,
		busyTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errclass.ErrStoreUnavailable.Wrap(fmt.Errorf("create database directory: %w", err))
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d", path, s.busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errclass.ErrStoreUnavailable.Wrap(fmt.Errorf("open database: %w", err))
	}
	s.db = db

	if err := s.Init(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// OpenWithRetry calls Open up to attempts times, sleeping delay between
// failures. The final failure is returned as ErrStoreUnavailable.
func OpenWithRetry(ctx context.Context, path string, attempts int, delay time.Duration, opts ...Option) (*Store, error) {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, errclass.ErrStoreUnavailable.Wrap(ctx.Err())
			case <-time.After(delay):
			}
		}

		s, err := Open(path, opts...)
		if err == nil {
			return s, nil
		}
		lastErr = err
	}

	if errors.Is(lastErr, errclass.ErrStoreUnavailable) {
		return nil, lastErr
	}
	return nil, errclass.ErrStoreUnavailable.Wrap(lastErr)
}

// Init creates the schema if needed. It is idempotent: existing rows and
// tables are left untouched.
func (s *Store) Init() error {
	if err := migrate(s.db); err != nil {
		return errclass.ErrStoreUnavailable.Wrap(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var last sql.NullInt64
	if err := s.db.QueryRow("SELECT MAX(timestamp_ns) FROM timeline_events").Scan(&last); err != nil {
		return errclass.ErrStoreUnavailable.Wrap(fmt.Errorf("read last timestamp: %w", err))
	}
	if last.Int64 > s.lastNs {
		s.lastNs = last.Int64
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// DB exposes the underlying handle for schema inspection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errclass.ErrStoreUnavailable.Wrap(err)
	}
	return nil
}

// Insert validates e, stamps it with a strictly increasing timestamp and
// appends it. The caller's ID and Timestamp are overwritten on success.
func (s *Store) Insert(e *Event) (int64, error) {
	if err := e.Validate(); err != nil {
		return 0, err
	}

	details, err := encodeJSON(e.Details)
	if err != nil {
		return 0, errclass.ErrInvalidEvent.Wrap(fmt.Errorf("encode details: %w", err))
	}

	var kind, userInput, aiResponse, codeChanges any
	if e.Cursor != nil {
		kind = string(e.Cursor.Kind)
		userInput = nullableString(e.Cursor.UserInput)
		aiResponse = nullableString(e.Cursor.AIResponse)
		if codeChanges, err = encodeJSON(e.Cursor.CodeChanges); err != nil {
			return 0, errclass.ErrInvalidEvent.Wrap(fmt.Errorf("encode code changes: %w", err))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.clock().UnixNano()
	if ts <= s.lastNs {
		ts = s.lastNs + 1
	}

	result, err := s.db.Exec(`
		INSERT INTO timeline_events (timestamp_ns, event_type, source, action, details, content,
			cursor_event_type, user_input, ai_response, code_changes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts, string(e.EventType), e.Source, e.Action, details, nullableString(e.Content),
		kind, userInput, aiResponse, codeChanges,
	)
	if err != nil {
		return 0, errclass.ErrStoreUnavailable.Wrap(fmt.Errorf("insert event: %w", err))
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, errclass.ErrStoreUnavailable.Wrap(fmt.Errorf("get last insert id: %w", err))
	}

	s.lastNs = ts
	e.ID = id
	e.Timestamp = time.Unix(0, ts).UTC()
	return id, nil
}

// Query returns at most limit events matching f, most recent first.
func (s *Store) Query(ctx context.Context, f Filter, limit int) ([]Event, error) {
	if f.EventType != "" && !f.EventType.Valid() {
		return nil, errclass.ErrInvalidEvent.WithMessagef("unknown event type %q", f.EventType)
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	where, args := f.clause()
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+eventColumns+" FROM timeline_events"+where+
			" ORDER BY timestamp_ns DESC, id DESC LIMIT ?", args...)
	if err != nil {
		return nil, errclass.ErrStoreUnavailable.Wrap(fmt.Errorf("query events: %w", err))
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, errclass.ErrStoreUnavailable.Wrap(err)
	}
	return events, nil
}

// Count returns the number of events matching f.
func (s *Store) Count(ctx context.Context, f Filter) (int64, error) {
	where, args := f.clause()

	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM timeline_events"+where, args...).Scan(&n); err != nil {
		return 0, errclass.ErrStoreUnavailable.Wrap(fmt.Errorf("count events: %w", err))
	}
	return n, nil
}

// Get retrieves an event by ID. It returns nil, nil when no such event exists.
func (s *Store) Get(ctx context.Context, id int64) (*Event, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+eventColumns+" FROM timeline_events WHERE id = ?", id)
	if err != nil {
		return nil, errclass.ErrStoreUnavailable.Wrap(fmt.Errorf("get event: %w", err))
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, errclass.ErrStoreUnavailable.Wrap(err)
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[0], nil
}

func (f Filter) clause() (string, []any) {
	var conds []string
	var args []any

	if f.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, string(f.EventType))
	}
	if f.SourceSubstring != "" {
		conds = append(conds, `source LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(f.SourceSubstring)+"%")
	}
	if !f.Since.IsZero() {
		conds = append(conds, "timestamp_ns >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		conds = append(conds, "timestamp_ns < ?")
		args = append(args, f.Until.UnixNano())
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	events := make([]Event, 0)
	for rows.Next() {
		var e Event
		var ts int64
		var eventType string
		var details, content, kind, userInput, aiResponse, codeChanges sql.NullString

		if err := rows.Scan(&e.ID, &ts, &eventType, &e.Source, &e.Action, &details, &content,
			&kind, &userInput, &aiResponse, &codeChanges); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		e.Timestamp = time.Unix(0, ts).UTC()
		e.EventType = EventType(eventType)

		if details.Valid {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, fmt.Errorf("decode details of event %d: %w", e.ID, err)
			}
		}
		if content.Valid {
			e.Content = StringPtr(content.String)
		}

		if kind.Valid {
			e.Cursor = &CursorFields{Kind: CursorEventType(kind.String)}
			if userInput.Valid {
				e.Cursor.UserInput = StringPtr(userInput.String)
			}
			if aiResponse.Valid {
				e.Cursor.AIResponse = StringPtr(aiResponse.String)
			}
			if codeChanges.Valid {
				if err := json.Unmarshal([]byte(codeChanges.String), &e.Cursor.CodeChanges); err != nil {
					return nil, fmt.Errorf("decode code changes of event %d: %w", e.ID, err)
				}
			}
		}

		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func encodeJSON(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
