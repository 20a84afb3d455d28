// Package cli implements the timeline command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"devtimeline/internal/config"
	"devtimeline/internal/logging"
	"devtimeline/internal/store"
)

// Version is reported by --version and the MCP handshake.
var Version = "0.1.0"

type app struct {
	configPath string
	dbPath     string
	logLevel   string
	jsonOutput bool

	// logOutput overrides where loggers write; tests set it.
	logOutput io.Writer
}

// NewRootCommand builds the timeline command tree.
func NewRootCommand() *cobra.Command {
	return (&app{}).rootCommand()
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "timeline",
		Short: "Record a development activity timeline",
		Long: `timeline records what happens while you work: file modifications,
editor and assistant interactions, and terminal output, all in one
local SQLite database that can be queried, exported and served.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default: ./timeline.{toml,json,yaml})")
	flags.StringVar(&a.dbPath, "db", "", "event database path (overrides config)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn or error")
	flags.BoolVar(&a.jsonOutput, "json", false, "output in JSON format")

	root.AddCommand(
		a.initCommand(),
		a.watchCommand(),
		a.logsCommand(),
		a.recordCommand(),
		a.shellCommand(),
		a.serveCommand(),
		a.mcpCommand(),
		a.tuiCommand(),
		a.superviseCommand(),
	)
	return root
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig loads the config file and applies the persistent flag
// overrides.
func (a *app) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}
	a.applyOverrides(cfg)
	return cfg, nil
}

func (a *app) applyOverrides(cfg *config.Config) {
	if a.dbPath != "" {
		cfg.Store.Path = a.dbPath
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
}

func (a *app) newLogger(cfg *config.Config, component string) (*logging.Logger, error) {
	return a.newLoggerFrom(&cfg.Logging, component)
}

func (a *app) newLoggerFrom(lc *config.LoggingConfig, component string) (*logging.Logger, error) {
	lcfg, err := lc.LoggerConfig(component)
	if err != nil {
		return nil, err
	}
	if a.logOutput != nil {
		return logging.NewWithWriter(a.logOutput, lcfg), nil
	}
	return logging.New(lcfg)
}

// openStore opens the configured store. Long-running producers retry.
func (a *app) openStore(ctx context.Context, cfg *config.Config, retry bool) (*store.Store, error) {
	opts := []store.Option{store.WithBusyTimeout(cfg.Store.BusyTimeout())}
	if !retry {
		return store.Open(cfg.Store.Path, opts...)
	}
	return store.OpenWithRetry(ctx, cfg.Store.Path, cfg.Store.OpenRetries, cfg.Store.OpenRetryDelay(), opts...)
}

// childArgs are the persistent flags forwarded to supervised children.
func (a *app) childArgs() []string {
	var args []string
	if a.configPath != "" {
		args = append(args, "--config", a.configPath)
	}
	if a.dbPath != "" {
		args = append(args, "--db", a.dbPath)
	}
	if a.logLevel != "" {
		args = append(args, "--log-level", a.logLevel)
	}
	return args
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
