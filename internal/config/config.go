// Package config handles configuration loading, validation, and hot reload
// for the timeline tools.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"devtimeline/internal/logging"
	"devtimeline/internal/watcher"
)

// Version is the current configuration schema version.
const Version = 1

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TIMELINE_"

// Config holds the complete configuration of every timeline command.
type Config struct {
	Version int `toml:"version" json:"version" yaml:"version"`

	Store      StoreConfig      `toml:"store" json:"store" yaml:"store"`
	Watch      WatchConfig      `toml:"watch" json:"watch" yaml:"watch"`
	Terminal   TerminalConfig   `toml:"terminal" json:"terminal" yaml:"terminal"`
	Export     ExportConfig     `toml:"export" json:"export" yaml:"export"`
	Server     ServerConfig     `toml:"server" json:"server" yaml:"server"`
	Supervisor SupervisorConfig `toml:"supervisor" json:"supervisor" yaml:"supervisor"`
	Logging    LoggingConfig    `toml:"logging" json:"logging" yaml:"logging"`
	Publish    PublishConfig    `toml:"publish" json:"publish" yaml:"publish"`
	Metrics    MetricsConfig    `toml:"metrics" json:"metrics" yaml:"metrics"`
}

// StoreConfig locates the SQLite event store.
type StoreConfig struct {
	// Path is the database file. Its parent directory is created on open.
	Path string `toml:"path" json:"path" yaml:"path"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`

	// OpenRetries bounds the startup attempts of long-running producers.
	OpenRetries int `toml:"open_retries" json:"open_retries" yaml:"open_retries"`

	OpenRetryDelayMs int `toml:"open_retry_delay_ms" json:"open_retry_delay_ms" yaml:"open_retry_delay_ms"`
}

// WatchConfig holds filesystem watcher settings.
type WatchConfig struct {
	// Root is the directory observed recursively.
	Root string `toml:"root" json:"root" yaml:"root"`

	// IgnorePatterns are globs matched against the relative path and each
	// of its components. Reloaded without restart.
	IgnorePatterns []string `toml:"ignore_patterns" json:"ignore_patterns" yaml:"ignore_patterns"`

	// ContentLimit caps the stored content prefix, in characters.
	ContentLimit int `toml:"content_limit" json:"content_limit" yaml:"content_limit"`

	// DigestLimit is the largest file, in bytes, that gets a content digest.
	DigestLimit int64 `toml:"digest_limit" json:"digest_limit" yaml:"digest_limit"`

	// InsertRetries is the number of retries after a failed insert.
	InsertRetries      int `toml:"insert_retries" json:"insert_retries" yaml:"insert_retries"`
	InsertRetryDelayMs int `toml:"insert_retry_delay_ms" json:"insert_retry_delay_ms" yaml:"insert_retry_delay_ms"`

	// MetricsAddr serves the watcher's Prometheus metrics. Empty disables it.
	MetricsAddr string `toml:"metrics_addr" json:"metrics_addr" yaml:"metrics_addr"`
}

// TerminalConfig holds terminal capture settings.
type TerminalConfig struct {
	// Shell is the program run on the pty. Empty means $SHELL, then /bin/bash.
	Shell string `toml:"shell" json:"shell" yaml:"shell"`

	// ReadSize is the pty read chunk size; each chunk becomes one event.
	ReadSize int `toml:"read_size" json:"read_size" yaml:"read_size"`

	MetricsAddr string `toml:"metrics_addr" json:"metrics_addr" yaml:"metrics_addr"`
}

// ExportConfig holds markdown export settings.
type ExportConfig struct {
	LogDir       string `toml:"log_dir" json:"log_dir" yaml:"log_dir"`
	PreviewLimit int    `toml:"preview_limit" json:"preview_limit" yaml:"preview_limit"`
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Addr            string `toml:"addr" json:"addr" yaml:"addr"`
	ReadTimeoutSec  int    `toml:"read_timeout_sec" json:"read_timeout_sec" yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `toml:"write_timeout_sec" json:"write_timeout_sec" yaml:"write_timeout_sec"`

	// MaxLimit caps the limit accepted by query endpoints.
	MaxLimit int `toml:"max_limit" json:"max_limit" yaml:"max_limit"`
}

// ProcessConfig describes one supervised child.
type ProcessConfig struct {
	Name    string   `toml:"name" json:"name" yaml:"name"`
	Command []string `toml:"command" json:"command" yaml:"command"`
	Env     []string `toml:"env" json:"env" yaml:"env"`

	// HealthURL marks the HTTP-serving child. At most one process sets it.
	HealthURL string `toml:"health_url" json:"health_url" yaml:"health_url"`
}

// SupervisorConfig holds the service supervisor settings.
type SupervisorConfig struct {
	TickMs             int `toml:"tick_ms" json:"tick_ms" yaml:"tick_ms"`
	ShutdownTimeoutSec int `toml:"shutdown_timeout_sec" json:"shutdown_timeout_sec" yaml:"shutdown_timeout_sec"`
	ProbeRetries       int `toml:"probe_retries" json:"probe_retries" yaml:"probe_retries"`
	ProbeDelayMs       int `toml:"probe_delay_ms" json:"probe_delay_ms" yaml:"probe_delay_ms"`

	// LogPath receives the supervisor's own log, rotated daily.
	LogPath string `toml:"log_path" json:"log_path" yaml:"log_path"`

	// MetricsAddr serves the child up and memory gauges. Empty disables it.
	MetricsAddr string `toml:"metrics_addr" json:"metrics_addr" yaml:"metrics_addr"`

	// Processes replaces the built-in watcher and server children when set.
	Processes []ProcessConfig `toml:"processes" json:"processes" yaml:"processes"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `toml:"level" json:"level" yaml:"level"`
	Format     string `toml:"format" json:"format" yaml:"format"`
	Output     string `toml:"output" json:"output" yaml:"output"`
	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`
}

// PublishConfig enables fan-out of stored events to a Redis stream.
type PublishConfig struct {
	Enabled   bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	RedisAddr string `toml:"redis_addr" json:"redis_addr" yaml:"redis_addr"`
	Stream    string `toml:"stream" json:"stream" yaml:"stream"`

	// MaxLen approximately trims the stream. Zero keeps everything.
	MaxLen int64 `toml:"max_len" json:"max_len" yaml:"max_len"`
}

// MetricsConfig toggles the Prometheus endpoint of the server.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Path    string `toml:"path" json:"path" yaml:"path"`
}

// DefaultConfig returns the default configuration. Paths are relative to
// the working directory, under ./timeline.
func DefaultConfig() *Config {
	return &Config{
		Version: Version,
		Store: StoreConfig{
			Path:             filepath.Join("timeline", "data", "timeline.db"),
			BusyTimeoutMs:    5000,
			OpenRetries:      5,
			OpenRetryDelayMs: 1000,
		},
		Watch: WatchConfig{
			Root:               ".",
			IgnorePatterns:     DefaultIgnorePatterns(),
			ContentLimit:       1000,
			DigestLimit:        8 << 20,
			InsertRetries:      3,
			InsertRetryDelayMs: 200,
		},
		Terminal: TerminalConfig{
			ReadSize: 1024,
		},
		Export: ExportConfig{
			LogDir:       filepath.Join("timeline", "logs"),
			PreviewLimit: 500,
		},
		Server: ServerConfig{
			Addr:            "127.0.0.1:8010",
			ReadTimeoutSec:  10,
			WriteTimeoutSec: 30,
			MaxLimit:        1000,
		},
		Supervisor: SupervisorConfig{
			TickMs:             1000,
			ShutdownTimeoutSec: 5,
			ProbeRetries:       5,
			ProbeDelayMs:       2000,
			LogPath:            filepath.Join("timeline", "logs", "services.log"),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join("timeline", "logs", "timeline.log"),
			MaxSizeMB:  100,
			MaxBackups: 7,
			MaxAgeDays: 7,
			Compress:   true,
		},
		Publish: PublishConfig{
			Enabled:   false,
			RedisAddr: "127.0.0.1:6379",
			Stream:    "timeline:events",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// DefaultIgnorePatterns returns the globs never recorded by the watcher.
func DefaultIgnorePatterns() []string {
	return watcher.DefaultIgnorePatterns()
}

// SupportedConfigFormats returns the config file extensions understood by Load.
func SupportedConfigFormats() []string {
	return []string{"toml", "json", "yaml", "yml"}
}

// FindConfigFile returns the first timeline.<ext> found in the working
// directory or ./timeline, or "" when none exists.
func FindConfigFile() string {
	for _, dir := range []string{".", "timeline"} {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "timeline."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// Load reads configuration from path, applies environment overrides and
// validates the result. An empty path searches with FindConfigFile; a
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = FindConfigFile()
	}
	return readConfig(path)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// ApplyEnvOverrides applies TIMELINE_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv(EnvPrefix + "DB_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv(EnvPrefix + "WATCH_ROOT"); v != "" {
		c.Watch.Root = v
	}
	if v := os.Getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(EnvPrefix + "LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
	if v := os.Getenv(EnvPrefix + "SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv(EnvPrefix + "REDIS_ADDR"); v != "" {
		c.Publish.RedisAddr = v
		c.Publish.Enabled = true
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c

	clone.Watch.IgnorePatterns = append([]string{}, c.Watch.IgnorePatterns...)
	clone.Supervisor.Processes = make([]ProcessConfig, len(c.Supervisor.Processes))
	for i, p := range c.Supervisor.Processes {
		p.Command = append([]string{}, p.Command...)
		p.Env = append([]string{}, p.Env...)
		clone.Supervisor.Processes[i] = p
	}

	return &clone
}

// LoggerConfig converts the logging section into a logging.Config for the
// named component.
func (c *LoggingConfig) LoggerConfig(component string) (*logging.Config, error) {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Format)
	if err != nil {
		return nil, err
	}

	cfg := logging.DefaultConfig()
	cfg.Level = level
	cfg.Format = format
	cfg.Output = c.Output
	cfg.FilePath = c.FilePath
	cfg.MaxSize = int64(c.MaxSizeMB)
	cfg.MaxBackups = c.MaxBackups
	cfg.MaxAge = c.MaxAgeDays
	cfg.Compress = c.Compress
	cfg.Component = component
	return cfg, nil
}

// BusyTimeout returns the store busy timeout as a duration.
func (s StoreConfig) BusyTimeout() time.Duration {
	return time.Duration(s.BusyTimeoutMs) * time.Millisecond
}

// OpenRetryDelay returns the delay between store open attempts.
func (s StoreConfig) OpenRetryDelay() time.Duration {
	return time.Duration(s.OpenRetryDelayMs) * time.Millisecond
}

// InsertRetryDelay returns the delay between watcher insert attempts.
func (w WatchConfig) InsertRetryDelay() time.Duration {
	return time.Duration(w.InsertRetryDelayMs) * time.Millisecond
}

// Tick returns the supervisor polling interval.
func (s SupervisorConfig) Tick() time.Duration {
	return time.Duration(s.TickMs) * time.Millisecond
}

// ShutdownTimeout returns the per-child grace period on cleanup.
func (s SupervisorConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSec) * time.Second
}

// ProbeDelay returns the delay between health probe attempts.
func (s SupervisorConfig) ProbeDelay() time.Duration {
	return time.Duration(s.ProbeDelayMs) * time.Millisecond
}

// String renders a one-line summary for debug logs.
func (c *Config) String() string {
	return fmt.Sprintf("store=%s watch=%s server=%s publish=%t",
		c.Store.Path, c.Watch.Root, c.Server.Addr, c.Publish.Enabled)
}
