package config

import (
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strings"

	"devtimeline/internal/errclass"
)

// ValidationError is one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidationErrors lists every invalid field of a Config.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i := range e {
		msgs[i] = e[i].Error()
	}
	return strings.Join(msgs, "; ")
}

// problems accumulates validation failures.
type problems ValidationErrors

func (p *problems) failf(field, format string, args ...any) {
	*p = append(*p, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// require records msg against field unless ok.
func (p *problems) require(ok bool, field, msg string) {
	if !ok {
		p.failf(field, "%s", msg)
	}
}

// ValidateConfig checks every section and reports all problems at once,
// as errclass.ErrConfigInvalid wrapping ValidationErrors.
func ValidateConfig(c *Config) error {
	var p problems

	if c.Version < 1 || c.Version > Version {
		p.failf("version", "unsupported version %d (current: %d)", c.Version, Version)
	}
	p.store(&c.Store)
	p.watch(&c.Watch)
	p.terminal(&c.Terminal)
	p.export(&c.Export)
	p.server(&c.Server)
	p.supervisor(&c.Supervisor)
	p.logging(&c.Logging)
	p.publish(&c.Publish)
	p.require(!c.Metrics.Enabled || strings.HasPrefix(c.Metrics.Path, "/"), "metrics.path", "metrics path must start with '/'")

	if len(p) == 0 {
		return nil
	}
	return errclass.ErrConfigInvalid.Wrap(ValidationErrors(p))
}

func (p *problems) store(s *StoreConfig) {
	p.require(s.Path != "", "store.path", "database path is required")
	p.require(s.BusyTimeoutMs >= 0, "store.busy_timeout_ms", "busy timeout cannot be negative")
	p.require(s.OpenRetries >= 1, "store.open_retries", "at least one open attempt is required")
	p.require(s.OpenRetryDelayMs >= 0, "store.open_retry_delay_ms", "retry delay cannot be negative")
}

func (p *problems) watch(w *WatchConfig) {
	p.require(w.Root != "", "watch.root", "watch root is required")
	for _, pattern := range w.IgnorePatterns {
		if _, err := filepath.Match(pattern, ""); err != nil {
			p.failf("watch.ignore_patterns", "invalid glob pattern %q: %v", pattern, err)
		}
	}
	p.require(w.ContentLimit >= 0, "watch.content_limit", "content limit cannot be negative")
	p.require(w.DigestLimit >= 0, "watch.digest_limit", "digest limit cannot be negative")
	p.require(w.InsertRetries >= 1, "watch.insert_retries", "at least one insert retry is required")
	p.listenAddr("watch.metrics_addr", w.MetricsAddr)
}

// listenAddr accepts an empty address, which disables the listener.
func (p *problems) listenAddr(field, addr string) {
	if addr == "" {
		return
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		p.failf(field, "invalid listen address %q: %v", addr, err)
	}
}

const maxReadSize = 1 << 20

func (p *problems) terminal(t *TerminalConfig) {
	if t.ReadSize < 1 || t.ReadSize > maxReadSize {
		p.failf("terminal.read_size", "read size must be between 1 and %d bytes", maxReadSize)
	}
	p.listenAddr("terminal.metrics_addr", t.MetricsAddr)
}

func (p *problems) export(e *ExportConfig) {
	p.require(e.LogDir != "", "export.log_dir", "export directory is required")
	p.require(e.PreviewLimit >= 1, "export.preview_limit", "preview limit must be positive")
}

func (p *problems) server(s *ServerConfig) {
	if _, _, err := net.SplitHostPort(s.Addr); err != nil {
		p.failf("server.addr", "invalid listen address %q: %v", s.Addr, err)
	}
	p.require(s.MaxLimit >= 1, "server.max_limit", "max limit must be positive")
	p.require(s.ReadTimeoutSec >= 0 && s.WriteTimeoutSec >= 0, "server.timeouts", "timeouts cannot be negative")
}

func (p *problems) supervisor(s *SupervisorConfig) {
	p.require(s.TickMs >= 10, "supervisor.tick_ms", "tick must be at least 10ms")
	p.require(s.ShutdownTimeoutSec >= 1, "supervisor.shutdown_timeout_sec", "shutdown timeout must be at least 1 second")
	p.require(s.ProbeRetries >= 1, "supervisor.probe_retries", "at least one probe attempt is required")
	p.listenAddr("supervisor.metrics_addr", s.MetricsAddr)

	seen := map[string]bool{}
	probed := 0
	for i, proc := range s.Processes {
		field := fmt.Sprintf("supervisor.processes[%d]", i)
		switch {
		case proc.Name == "":
			p.failf(field+".name", "name is required")
		case seen[proc.Name]:
			p.failf(field+".name", "duplicate name %q", proc.Name)
		}
		seen[proc.Name] = true

		p.require(len(proc.Command) > 0, field+".command", "command is required")

		if proc.HealthURL == "" {
			continue
		}
		probed++
		if u, err := url.Parse(proc.HealthURL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			p.failf(field+".health_url", "invalid health URL %q", proc.HealthURL)
		}
	}
	p.require(probed <= 1, "supervisor.processes", "at most one process may declare a health_url")
}

func (p *problems) logging(l *LoggingConfig) {
	switch l.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		p.failf("logging.level", "invalid log level: %s (valid: debug, info, warn, error)", l.Level)
	}

	if l.Format != "text" && l.Format != "json" {
		p.failf("logging.format", "invalid log format: %s (valid: text, json)", l.Format)
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		p.require(l.FilePath != "", "logging.file_path", fmt.Sprintf("file path is required when output is %q", l.Output))
	default:
		p.failf("logging.output", "invalid log output: %s (valid: stdout, stderr, file, both)", l.Output)
	}

	p.require(l.MaxSizeMB >= 1, "logging.max_size_mb", "max size must be at least 1 MB")
	p.require(l.MaxBackups >= 0, "logging.max_backups", "max backups cannot be negative")
	p.require(l.MaxAgeDays >= 0, "logging.max_age_days", "max age cannot be negative")
}

func (p *problems) publish(pc *PublishConfig) {
	if !pc.Enabled {
		return
	}
	if _, _, err := net.SplitHostPort(pc.RedisAddr); err != nil {
		p.failf("publish.redis_addr", "invalid redis address %q: %v", pc.RedisAddr, err)
	}
	p.require(pc.Stream != "", "publish.stream", "stream name is required")
	p.require(pc.MaxLen >= 0, "publish.max_len", "max length cannot be negative")
}
