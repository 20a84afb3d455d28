// Package report queries the timeline and renders events for people:
// markdown exports on disk and tables in the terminal.
package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"devtimeline/internal/store"
)

// Options configures a Reporter. Zero values take the defaults.
type Options struct {
	// LogDir receives markdown exports.
	LogDir string

	// PreviewLimit is the number of content characters exported per event.
	PreviewLimit int
}

func (o *Options) applyDefaults() {
	if o.LogDir == "" {
		o.LogDir = filepath.Join("timeline", "logs")
	}
	if o.PreviewLimit <= 0 {
		o.PreviewLimit = 500
	}
}

// Reporter reads from a Querier. It never writes to the store.
type Reporter struct {
	q    store.Querier
	opts Options
	now  func() time.Time
}

// New creates a Reporter.
func New(q store.Querier, opts Options) *Reporter {
	opts.applyDefaults()
	return &Reporter{q: q, opts: opts, now: time.Now}
}

// LogDir returns the export directory.
func (r *Reporter) LogDir() string {
	return r.opts.LogDir
}

// Recent returns the n most recent events.
func (r *Reporter) Recent(ctx context.Context, n int) ([]store.Event, error) {
	return r.q.Query(ctx, store.Filter{}, n)
}

// ByType returns the n most recent events of type t.
func (r *Reporter) ByType(ctx context.Context, t store.EventType, n int) ([]store.Event, error) {
	return r.q.Query(ctx, store.Filter{EventType: t}, n)
}

// BySource returns the n most recent events whose source contains substr.
func (r *Reporter) BySource(ctx context.Context, substr string, n int) ([]store.Event, error) {
	return r.q.Query(ctx, store.Filter{SourceSubstring: substr}, n)
}

// Window returns the n most recent events in [since, until). A zero bound
// is open.
func (r *Reporter) Window(ctx context.Context, since, until time.Time, n int) ([]store.Event, error) {
	return r.q.Query(ctx, store.Filter{Since: since, Until: until}, n)
}

// DefaultFilename names an export written at t.
func DefaultFilename(t time.Time) string {
	return fmt.Sprintf("timeline_%s.md", t.Format("20060102_150405"))
}

// Export appends events to LogDir/filename and returns the file's path.
// An empty filename takes DefaultFilename. A new or empty file starts with
// the log header.
func (r *Reporter) Export(events []store.Event, filename string) (string, error) {
	now := r.now()
	if filename == "" {
		filename = DefaultFilename(now)
	}

	if err := os.MkdirAll(r.opts.LogDir, 0755); err != nil {
		return "", fmt.Errorf("create log directory: %w", err)
	}

	path := filepath.Join(r.opts.LogDir, filename)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return "", fmt.Errorf("open export file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat export file: %w", err)
	}

	md := &markdown{previewLimit: r.opts.PreviewLimit}
	if info.Size() == 0 {
		md.header(now, uuid.NewString())
	}
	for i := range events {
		md.event(&events[i])
	}

	if _, err := f.Write(md.Bytes()); err != nil {
		return "", fmt.Errorf("write export file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close export file: %w", err)
	}
	return path, nil
}
