package store

import (
	"database/sql"
	"fmt"
	"strings"
)

// schema lists the statements that bring the database to each version.
// The applied version is kept in PRAGMA user_version.
var schema = []string{
	// 1: events table and recency index.
	`CREATE TABLE IF NOT EXISTS timeline_events (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp_ns      INTEGER NOT NULL,
		event_type        TEXT NOT NULL,
		source            TEXT NOT NULL,
		action            TEXT NOT NULL,
		details           TEXT,
		content           TEXT,
		cursor_event_type TEXT,
		user_input        TEXT,
		ai_response       TEXT,
		code_changes      TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_timeline_events_timestamp ON timeline_events(timestamp_ns);`,

	// 2: filtered recency queries.
	`CREATE INDEX IF NOT EXISTS idx_timeline_events_type ON timeline_events(event_type, timestamp_ns);`,
}

// eventTableColumns are the columns every schema version has.
var eventTableColumns = []string{
	"id", "timestamp_ns", "event_type", "source", "action", "details", "content",
	"cursor_event_type", "user_input", "ai_response", "code_changes",
}

// LatestSchemaVersion is the version migrate brings a database to.
func LatestSchemaVersion() int {
	return len(schema)
}

// SchemaVersion reads the applied schema version.
func SchemaVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// migrate applies the steps above the current version, each in its own
// transaction together with the version bump, then validates the result.
// An up-to-date database is left alone.
func migrate(db *sql.DB) error {
	current, err := SchemaVersion(db)
	if err != nil {
		return err
	}
	if current > len(schema) {
		return fmt.Errorf("schema version %d is newer than this build (%d)", current, len(schema))
	}

	for v := current + 1; v <= len(schema); v++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin schema step %d: %w", v, err)
		}
		if _, err := tx.Exec(schema[v-1]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply schema step %d: %w", v, err)
		}
		// PRAGMA does not take bind parameters.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", v)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("set schema version %d: %w", v, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit schema step %d: %w", v, err)
		}
	}
	return ValidateSchema(db)
}

// ValidateSchema checks that timeline_events exists with every expected
// column.
func ValidateSchema(db *sql.DB) error {
	rows, err := db.Query("SELECT name FROM pragma_table_info('timeline_events')")
	if err != nil {
		return fmt.Errorf("inspect timeline_events: %w", err)
	}
	defer rows.Close()

	have := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("scan column: %w", err)
		}
		have[name] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect timeline_events: %w", err)
	}
	if len(have) == 0 {
		return fmt.Errorf("missing table timeline_events")
	}

	var missing []string
	for _, c := range eventTableColumns {
		if !have[c] {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("timeline_events lacks columns: %s", strings.Join(missing, ", "))
	}
	return nil
}
