// Package logging provides the structured slog logger shared by every
// timeline component.
//
// There is no package-level default: the CLI builds one Logger from
// configuration and hands it (or a WithComponent child) to each
// constructor.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Level is a slog level.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format selects the record encoding.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// Output destinations.
const (
	OutputStdout = "stdout"
	OutputStderr = "stderr"
	OutputFile   = "file"
	OutputBoth   = "both"
)

// Config holds the logging configuration.
type Config struct {
	Level  Level
	Format Format

	// Output is one of "stdout", "stderr", "file" or "both" (stderr + file).
	Output string

	// FilePath is the log file used when Output includes a file.
	FilePath string

	// MaxSize is the size in megabytes that triggers a rotation.
	MaxSize int64

	// MaxAge is the retention of rotated files in days.
	MaxAge int

	MaxBackups int
	Compress   bool
	AddSource  bool

	// Component is attached to every record as "component".
	Component string
}

// DefaultConfig returns info-level text on stderr. File settings rotate
// daily and keep a week of history.
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		Format:     FormatText,
		Output:     OutputStderr,
		FilePath:   filepath.Join("timeline", "logs", "timeline.log"),
		MaxSize:    100,
		MaxAge:     7,
		MaxBackups: 7,
		Compress:   true,
		Component:  "timeline",
	}
}

func (c *Config) rotationPolicy() RotationPolicy {
	return RotationPolicy{
		MaxBytes:   c.MaxSize << 20,
		MaxBackups: c.MaxBackups,
		MaxAge:     time.Duration(c.MaxAge) * 24 * time.Hour,
		Compress:   c.Compress,
	}
}

// Logger is a slog.Logger that may own a rotating log file. Children made
// with With* share the file; only the root should be closed.
type Logger struct {
	*slog.Logger
	file *RotatingFile
}

// New creates a Logger from cfg. A nil cfg means DefaultConfig.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var (
		w    io.Writer
		file *RotatingFile
		err  error
	)
	switch strings.ToLower(cfg.Output) {
	case OutputStdout:
		w = os.Stdout
	case OutputFile, OutputBoth:
		if file, err = OpenRotatingFile(cfg.FilePath, cfg.rotationPolicy()); err != nil {
			return nil, fmt.Errorf("open log output: %w", err)
		}
		w = file
		if strings.EqualFold(cfg.Output, OutputBoth) {
			w = io.MultiWriter(os.Stderr, file)
		}
	default:
		w = os.Stderr
	}

	return &Logger{Logger: slog.New(newHandler(w, cfg)), file: file}, nil
}

// NewWithWriter creates a Logger writing to w. Output and file settings in
// cfg are ignored.
func NewWithWriter(w io.Writer, cfg *Config) *Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Logger{Logger: slog.New(newHandler(w, cfg))}
}

// Discard returns a Logger that drops every record.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}

func newHandler(w io.Writer, cfg *Config) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       cfg.Level,
		AddSource:   cfg.AddSource,
		ReplaceAttr: redact,
	}

	var h slog.Handler = slog.NewTextHandler(w, opts)
	if cfg.Format == FormatJSON {
		h = slog.NewJSONHandler(w, opts)
	}
	if cfg.Component != "" {
		h = h.WithAttrs([]slog.Attr{slog.String("component", cfg.Component)})
	}
	return h
}

// sensitiveKeys are substrings of attribute keys whose values are masked.
var sensitiveKeys = []string{
	"password", "secret", "token", "credential", "private",
	"auth", "cookie", "api_key", "apikey", "bearer",
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if shouldRedact(a.Key) {
		a.Value = slog.StringValue("[REDACTED]")
	}
	return a
}

func shouldRedact(key string) bool {
	key = strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}

func (l *Logger) child(sl *slog.Logger) *Logger {
	return &Logger{Logger: sl, file: l.file}
}

// WithComponent tags records with a component name.
func (l *Logger) WithComponent(name string) *Logger {
	return l.child(l.Logger.With("component", name))
}

// WithRequestID tags records with a request ID.
func (l *Logger) WithRequestID(id string) *Logger {
	return l.child(l.Logger.With("request_id", id))
}

// With returns a child logger carrying args on every record.
func (l *Logger) With(args ...any) *Logger {
	return l.child(l.Logger.With(args...))
}

// WithContext tags records with the request ID carried by ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if id := RequestIDFromContext(ctx); id != "" {
		return l.WithRequestID(id)
	}
	return l
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Sync flushes the log file, if any.
func (l *Logger) Sync() error {
	if l.file == nil {
		return nil
	}
	return l.file.Sync()
}

type requestIDKey struct{}

// NewRequestID returns a fresh random request ID.
func NewRequestID() string {
	return uuid.NewString()
}

// ContextWithRequestID returns a copy of ctx carrying id.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request ID in ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

var levelNames = map[string]Level{
	"debug":   LevelDebug,
	"info":    LevelInfo,
	"":        LevelInfo,
	"warn":    LevelWarn,
	"warning": LevelWarn,
	"error":   LevelError,
}

// ParseLevel parses debug, info, warn (or warning) and error.
func ParseLevel(s string) (Level, error) {
	if l, ok := levelNames[strings.ToLower(s)]; ok {
		return l, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level: %s", s)
}

// ParseFormat parses "text" or "json".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	}
	return FormatText, fmt.Errorf("unknown log format: %s", s)
}

// LevelString names a level the way ParseLevel accepts it. Unknown levels
// read as info.
func LevelString(level Level) string {
	switch level {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	}
	return "info"
}
