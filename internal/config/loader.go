package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// reloadDebounce absorbs the burst of events editors emit on save.
const reloadDebounce = 100 * time.Millisecond

type decodeFunc func(data []byte, cfg *Config) error

// decoders by file extension; anything else is read as TOML.
var decoders = map[string]decodeFunc{
	".toml": func(b []byte, c *Config) error { _, err := toml.Decode(string(b), c); return err },
	".json": func(b []byte, c *Config) error { return json.Unmarshal(b, c) },
	".yaml": func(b []byte, c *Config) error { return yaml.Unmarshal(b, c) },
	".yml":  func(b []byte, c *Config) error { return yaml.Unmarshal(b, c) },
}

// Loader reads one config file and, once Watch is called, reloads it when
// it changes on disk.
type Loader struct {
	path string

	mu        sync.RWMutex
	current   *Config
	listeners []func(*Config)

	errs chan error
	fsw  *fsnotify.Watcher
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewLoader creates a loader for path. An empty path loads the defaults.
func NewLoader(path string) *Loader {
	return &Loader{path: path, errs: make(chan error, 1), stop: make(chan struct{})}
}

// Path returns the config file.
func (l *Loader) Path() string {
	return l.path
}

// Load reads the file, applies environment overrides and validates it.
func (l *Loader) Load() (*Config, error) {
	cfg, err := readConfig(l.path)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Config returns the most recently loaded configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers fn to run after each successful reload.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

// Errors delivers reload and watch failures. A failure is dropped while
// another is still unread.
func (l *Loader) Errors() <-chan error {
	return l.errs
}

// Watch starts reloading on change. A reload that fails to parse or
// validate keeps the previous configuration and is sent to Errors.
func (l *Loader) Watch() error {
	if l.path == "" {
		return errors.New("watch config: no config file")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Editors save by rename, which a file watch would miss.
	if err := fsw.Add(filepath.Dir(l.path)); err != nil {
		fsw.Close()
		return fmt.Errorf("watch config directory: %w", err)
	}
	l.fsw = fsw

	l.wg.Add(1)
	go l.loop()
	return nil
}

func (l *Loader) loop() {
	defer l.wg.Done()

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	name := filepath.Base(l.path)
	for {
		select {
		case <-l.stop:
			return
		case ev, ok := <-l.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) == name && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce.Reset(reloadDebounce)
			}
		case err, ok := <-l.fsw.Errors:
			if !ok {
				return
			}
			l.fail(err)
		case <-debounce.C:
			l.reload()
		}
	}
}

func (l *Loader) reload() {
	cfg, err := readConfig(l.path)
	if err != nil {
		l.fail(fmt.Errorf("reload config: %w", err))
		return
	}

	l.mu.Lock()
	l.current = cfg
	listeners := append([]func(*Config){}, l.listeners...)
	l.mu.Unlock()

	for _, fn := range listeners {
		fn(cfg)
	}
}

func (l *Loader) fail(err error) {
	select {
	case l.errs <- err:
	default:
	}
}

// Close stops watching. It is safe to call more than once.
func (l *Loader) Close() error {
	var err error
	l.once.Do(func() {
		close(l.stop)
		if l.fsw != nil {
			err = l.fsw.Close()
		}
		l.wg.Wait()
	})
	return err
}

// readConfig decodes path over the defaults, applies the environment and
// validates.
func readConfig(path string) (*Config, error) {
	cfg, err := decodeFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeFile parses path over the defaults. A missing or empty path yields
// the defaults.
func decodeFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return cfg, nil
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	}

	decode, ok := decoders[filepath.Ext(path)]
	if !ok {
		decode = decoders[".toml"]
	}
	if err := decode(data, cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}

// Save writes cfg to path in the format implied by its extension.
func Save(cfg *Config, path string) error {
	var (
		data []byte
		err  error
	)
	switch filepath.Ext(path) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(cfg)
		data = buf.Bytes()
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
