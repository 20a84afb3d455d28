// Package watcher records file modifications under a directory tree as
// timeline events.
package watcher

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/unicode/norm"

	"devtimeline/internal/errclass"
	"devtimeline/internal/logging"
	"devtimeline/internal/store"
)

// Action recorded for every file event.
const ActionModified = "modified"

// Options tunes the watcher. Zero values take the defaults.
type Options struct {
	// IgnorePatterns defaults to DefaultIgnorePatterns when nil.
	IgnorePatterns []string

	// ContentLimit is the number of characters of content stored.
	ContentLimit int

	// DigestLimit is the largest file, in bytes, that is digested.
	DigestLimit int64

	// InsertRetries is the number of retries after a failed insert.
	InsertRetries    int
	InsertRetryDelay time.Duration

	// ExcludePaths are files or directories the watcher never records,
	// whatever the ignore patterns say. A file also excludes its SQLite
	// -wal, -shm and -journal siblings.
	ExcludePaths []string
}

var sqliteSidecars = []string{"-wal", "-shm", "-journal"}

// DefaultIgnorePatterns are the globs ignored when none are configured.
func DefaultIgnorePatterns() []string {
	return []string{"*.pyc", "__pycache__", ".git", "node_modules", "*.swp", "*.swo", "*~", ".DS_Store"}
}

func (o *Options) applyDefaults() {
	if o.IgnorePatterns == nil {
		o.IgnorePatterns = DefaultIgnorePatterns()
	}
	if o.ContentLimit <= 0 {
		o.ContentLimit = 1000
	}
	if o.DigestLimit <= 0 {
		o.DigestLimit = 8 << 20
	}
	if o.InsertRetries <= 0 {
		o.InsertRetries = 3
	}
	if o.InsertRetryDelay <= 0 {
		o.InsertRetryDelay = 200 * time.Millisecond
	}
}

// Stats counts what the watcher has done since it was created.
type Stats struct {
	Recorded uint64
	Ignored  uint64
	Failed   uint64
}

// Watcher observes a directory tree and inserts one file_change event per
// write notification. It never coalesces notifications.
type Watcher struct {
	root    string
	sink    store.Sink
	logger  *logging.Logger
	opts    Options
	matcher *Matcher
	exclude []string

	fsWatcher *fsnotify.Watcher
	ready     chan struct{}
	closeOnce sync.Once

	recorded atomic.Uint64
	ignored  atomic.Uint64
	failed   atomic.Uint64
}

// New creates a watcher for root. Events go to sink.
func New(root string, sink store.Sink, logger *logging.Logger, opts Options) (*Watcher, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve watch root: %w", err)
	}

	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("stat watch root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch root %s is not a directory", absRoot)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	opts.applyDefaults()

	exclude := make([]string, 0, len(opts.ExcludePaths))
	for _, p := range opts.ExcludePaths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			fsWatcher.Close()
			return nil, fmt.Errorf("resolve excluded path %s: %w", p, err)
		}
		exclude = append(exclude, abs)
	}

	return &Watcher{
		root:      absRoot,
		sink:      sink,
		logger:    logger.WithComponent("watcher"),
		opts:      opts,
		matcher:   NewMatcher(opts.IgnorePatterns),
		exclude:   exclude,
		fsWatcher: fsWatcher,
		ready:     make(chan struct{}),
	}, nil
}

// Root returns the absolute watch root.
func (w *Watcher) Root() string {
	return w.root
}

// Ready is closed once the initial tree has been registered.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// SetIgnorePatterns swaps the ignore globs while running.
func (w *Watcher) SetIgnorePatterns(patterns []string) {
	w.matcher.SetPatterns(patterns)
	w.logger.Info("ignore patterns updated", "patterns", patterns)
}

// Stats returns a snapshot of the counters.
func (w *Watcher) Stats() Stats {
	return Stats{
		Recorded: w.recorded.Load(),
		Ignored:  w.ignored.Load(),
		Failed:   w.failed.Load(),
	}
}

// Close releases the fsnotify watcher. Run calls it on return.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.fsWatcher.Close()
	})
	return err
}

// Run registers the tree and processes notifications until ctx is
// cancelled. Failures to record a single file are logged, never returned.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.Close()

	if err := w.addTree(w.root); err != nil {
		return err
	}
	close(w.ready)
	w.logger.Info("watching", "root", w.root, "ignore", w.matcher.Patterns())

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watcher stopped", "recorded", w.recorded.Load(), "failed", w.failed.Load())
			return nil

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("fsnotify error", "error", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	if w.isIgnored(event.Name) {
		w.ignored.Add(1)
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.logger.Warn("watch new directory", "path", event.Name, "error", err)
			}
			return
		}
	}

	if !event.Has(fsnotify.Write) {
		return
	}

	if err := w.RecordFile(ctx, event.Name); err != nil {
		w.logger.Error("failed to record event", "path", event.Name, "error", err)
	}
}

func (w *Watcher) isIgnored(path string) bool {
	if w.isExcluded(path) {
		return true
	}
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		rel = path
	}
	return w.matcher.Match(rel)
}

func (w *Watcher) isExcluded(path string) bool {
	path = filepath.Clean(path)
	for _, ex := range w.exclude {
		if path == ex || strings.HasPrefix(path, ex+string(filepath.Separator)) {
			return true
		}
		for _, suffix := range sqliteSidecars {
			if path == ex+suffix {
				return true
			}
		}
	}
	return false
}

// addTree registers dir and every non-ignored directory beneath it.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return fmt.Errorf("walk %s: %w", dir, err)
			}
			w.logger.Warn("skip unreadable path", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && w.isIgnored(path) {
			return filepath.SkipDir
		}
		if err := w.fsWatcher.Add(path); err != nil {
			if path == dir {
				return fmt.Errorf("watch %s: %w", path, err)
			}
			w.logger.Warn("watch directory", "path", path, "error", err)
		}
		return nil
	})
}

// RecordFile inserts a file_change event for path. Directories are skipped.
// An unreadable file is still recorded, without size or content. The
// insert is retried; the last error is returned after the retries run out.
func (w *Watcher) RecordFile(ctx context.Context, path string) error {
	info, statErr := os.Stat(path)
	if statErr == nil && info.IsDir() {
		return nil
	}

	details := map[string]any{
		"extension": filepath.Ext(path),
		"directory": norm.NFC.String(filepath.Dir(path)),
	}

	var content *string
	if statErr != nil {
		w.logger.Warn("source unreadable", "path", path, "error", errclass.ErrSourceUnreadable.Wrap(statErr))
	} else {
		details["size"] = info.Size()
		content = readPrefix(path, w.opts.ContentLimit)
		if info.Size() <= w.opts.DigestLimit {
			if digest, err := digestFile(path); err == nil {
				details["digest"] = digest
			}
		}
	}

	event := &store.Event{
		EventType: store.EventFileChange,
		Source:    norm.NFC.String(path),
		Action:    ActionModified,
		Details:   details,
		Content:   content,
	}

	var err error
	attempts := w.opts.InsertRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		var id int64
		if id, err = w.sink.Insert(event); err == nil {
			w.recorded.Add(1)
			w.logger.Info("recorded modification", "path", event.Source, "id", id)
			return nil
		}
		if errors.Is(err, errclass.ErrInvalidEvent) || attempt == attempts {
			break
		}

		w.logger.Warn("insert failed, retrying", "path", path, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			w.failed.Add(1)
			return err
		case <-time.After(w.opts.InsertRetryDelay):
		}
	}

	w.failed.Add(1)
	return err
}

// readPrefix returns the first limit characters of a UTF-8 text file, or
// nil when the file cannot be read or is not valid UTF-8.
func readPrefix(path string, limit int) *string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	maxBytes := int64(limit) * utf8.UTFMax
	buf, err := io.ReadAll(io.LimitReader(f, maxBytes))
	if err != nil {
		return nil
	}
	truncated := int64(len(buf)) == maxBytes

	runes := 0
	i := 0
	for i < len(buf) && runes < limit {
		r, size := utf8.DecodeRune(buf[i:])
		if r == utf8.RuneError && size <= 1 {
			if truncated && !utf8.FullRune(buf[i:]) {
				break
			}
			return nil
		}
		i += size
		runes++
	}

	s := string(buf[:i])
	return &s
}

func digestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
