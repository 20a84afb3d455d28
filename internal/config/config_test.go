package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devtimeline/internal/errclass"
	"devtimeline/internal/logging"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, filepath.Join("timeline", "data", "timeline.db"), cfg.Store.Path)
	assert.Equal(t, "127.0.0.1:8010", cfg.Server.Addr)
	assert.Equal(t, 1000, cfg.Watch.ContentLimit)
	assert.Equal(t, 500, cfg.Export.PreviewLimit)
	assert.Equal(t, 1024, cfg.Terminal.ReadSize)
	assert.Equal(t, time.Second, cfg.Supervisor.Tick())
	assert.Equal(t, 5*time.Second, cfg.Supervisor.ShutdownTimeout())
	assert.Equal(t, 5, cfg.Supervisor.ProbeRetries)
	assert.Equal(t, 2*time.Second, cfg.Supervisor.ProbeDelay())
	assert.Contains(t, cfg.Watch.IgnorePatterns, "node_modules")
	assert.Contains(t, cfg.Watch.IgnorePatterns, "*.pyc")
}

func TestLoadNonexistent(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Store.Path, cfg.Store.Path)
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timeline.toml")
	content := `
version = 1

[store]
path = "/var/lib/timeline/events.db"

[watch]
root = "/src/project"
ignore_patterns = ["*.log", "build"]

[[supervisor.processes]]
name = "API"
command = ["./api", "--port", "9000"]
health_url = "http://127.0.0.1:9000/health"

[[supervisor.processes]]
name = "Worker"
command = ["./worker"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/timeline/events.db", cfg.Store.Path)
	assert.Equal(t, "/src/project", cfg.Watch.Root)
	assert.Equal(t, []string{"*.log", "build"}, cfg.Watch.IgnorePatterns)
	require.Len(t, cfg.Supervisor.Processes, 2)
	assert.Equal(t, "http://127.0.0.1:9000/health", cfg.Supervisor.Processes[0].HealthURL)
	assert.Equal(t, []string{"./worker"}, cfg.Supervisor.Processes[1].Command)

	// Unset keys keep their defaults.
	assert.Equal(t, 1000, cfg.Watch.ContentLimit)
}

func TestLoadYAMLAndJSON(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "timeline.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("server:\n  addr: 0.0.0.0:9100\n"), 0644))
	cfg, err := Load(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9100", cfg.Server.Addr)

	jsonPath := filepath.Join(dir, "timeline.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"export": {"log_dir": "out"}}`), 0644))
	cfg, err = Load(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, "out", cfg.Export.LogDir)
}

func TestLoadInvalidSyntax(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timeline.toml")
	require.NoError(t, os.WriteFile(path, []byte("[store\npath = "), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("TIMELINE_DB_PATH", "/tmp/override.db")
	t.Setenv("TIMELINE_WATCH_ROOT", "/tmp/src")
	t.Setenv("TIMELINE_LOG_LEVEL", "debug")
	t.Setenv("TIMELINE_LOG_PATH", "/tmp/timeline.log")
	t.Setenv("TIMELINE_SERVER_ADDR", "127.0.0.1:9999")
	t.Setenv("TIMELINE_REDIS_ADDR", "redis:6379")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	assert.Equal(t, "/tmp/override.db", cfg.Store.Path)
	assert.Equal(t, "/tmp/src", cfg.Watch.Root)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/tmp/timeline.log", cfg.Logging.FilePath)
	assert.Equal(t, "127.0.0.1:9999", cfg.Server.Addr)
	assert.Equal(t, "redis:6379", cfg.Publish.RedisAddr)
	assert.True(t, cfg.Publish.Enabled)
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Path = ""
	cfg.Server.Addr = "no-port"
	cfg.Logging.Level = "loud"
	cfg.Watch.IgnorePatterns = []string{"[unclosed"}
	cfg.Supervisor.MetricsAddr = "9100"
	cfg.Terminal.MetricsAddr = "127.0.0.1:9101"

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errclass.ErrConfigInvalid))

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))

	fields := make([]string, 0, len(verrs))
	for _, v := range verrs {
		fields = append(fields, v.Field)
	}
	assert.ElementsMatch(t, []string{"store.path", "server.addr", "logging.level", "watch.ignore_patterns", "supervisor.metrics_addr"}, fields)
}

func TestValidateSupervisorProcesses(t *testing.T) {
	tests := []struct {
		name      string
		processes []ProcessConfig
		wantErr   bool
	}{
		{
			name: "one probed child",
			processes: []ProcessConfig{
				{Name: "a", Command: []string{"a"}, HealthURL: "http://127.0.0.1:1/health"},
				{Name: "b", Command: []string{"b"}},
			},
		},
		{
			name: "two probed children",
			processes: []ProcessConfig{
				{Name: "a", Command: []string{"a"}, HealthURL: "http://127.0.0.1:1/health"},
				{Name: "b", Command: []string{"b"}, HealthURL: "http://127.0.0.1:2/health"},
			},
			wantErr: true,
		},
		{
			name:      "duplicate names",
			processes: []ProcessConfig{{Name: "a", Command: []string{"a"}}, {Name: "a", Command: []string{"b"}}},
			wantErr:   true,
		},
		{
			name:      "missing command",
			processes: []ProcessConfig{{Name: "a"}},
			wantErr:   true,
		},
		{
			name:      "bad health url",
			processes: []ProcessConfig{{Name: "a", Command: []string{"a"}, HealthURL: "ftp://x"}},
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Supervisor.Processes = tt.processes
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, errclass.ErrConfigInvalid)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestClone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Supervisor.Processes = []ProcessConfig{{Name: "a", Command: []string{"x"}}}

	clone := cfg.Clone()
	clone.Watch.IgnorePatterns[0] = "changed"
	clone.Supervisor.Processes[0].Command[0] = "y"

	assert.Equal(t, "*.pyc", cfg.Watch.IgnorePatterns[0])
	assert.Equal(t, "x", cfg.Supervisor.Processes[0].Command[0])
}

func TestLoggerConfig(t *testing.T) {
	lc := DefaultConfig().Logging
	lc.Level = "debug"
	lc.Format = "json"

	cfg, err := lc.LoggerConfig("watcher")
	require.NoError(t, err)
	assert.Equal(t, logging.LevelDebug, cfg.Level)
	assert.Equal(t, logging.FormatJSON, cfg.Format)
	assert.Equal(t, "watcher", cfg.Component)
	assert.Equal(t, 7, cfg.MaxAge)

	lc.Level = "nope"
	_, err = lc.LoggerConfig("watcher")
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	for _, ext := range []string{".toml", ".yaml", ".json"} {
		t.Run(ext, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", "timeline"+ext)
			cfg := DefaultConfig()
			cfg.Watch.Root = "/work"

			require.NoError(t, Save(cfg, path))

			loaded, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, "/work", loaded.Watch.Root)
			assert.Equal(t, cfg.Watch.IgnorePatterns, loaded.Watch.IgnorePatterns)
		})
	}
}

func TestLoaderWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timeline.toml")
	require.NoError(t, os.WriteFile(path, []byte("[watch]\nignore_patterns = [\"*.tmp\"]\n"), 0644))

	loader := NewLoader(path)
	defer loader.Close()

	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"*.tmp"}, cfg.Watch.IgnorePatterns)

	changed := make(chan *Config, 8)
	loader.OnChange(func(c *Config) {
		select {
		case changed <- c:
		default:
		}
	})
	require.NoError(t, loader.Watch())

	require.NoError(t, os.WriteFile(path, []byte("[watch]\nignore_patterns = [\"*.bak\"]\n"), 0644))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changed:
			if len(c.Watch.IgnorePatterns) == 1 && c.Watch.IgnorePatterns[0] == "*.bak" {
				assert.Equal(t, []string{"*.bak"}, loader.Config().Watch.IgnorePatterns)
				return
			}
		case <-deadline:
			t.Fatal("config change not observed")
		}
	}
}

func TestLoaderRejectsInvalidReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timeline.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server]\naddr = \"127.0.0.1:8010\"\n"), 0644))

	loader := NewLoader(path)
	defer loader.Close()

	_, err := loader.Load()
	require.NoError(t, err)
	require.NoError(t, loader.Watch())

	require.NoError(t, os.WriteFile(path, []byte("[server]\naddr = \"bad\"\n"), 0644))

	select {
	case err := <-loader.Errors():
		assert.ErrorIs(t, err, errclass.ErrConfigInvalid)
	case <-time.After(5 * time.Second):
		t.Fatal("reload error not reported")
	}
	assert.Equal(t, "127.0.0.1:8010", loader.Config().Server.Addr)
}

func TestLoaderWatchWithoutPath(t *testing.T) {
	loader := NewLoader("")
	defer loader.Close()

	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.NotNil(t, cfg)
	assert.Error(t, loader.Watch())
}
