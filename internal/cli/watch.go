package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"devtimeline/internal/config"
	"devtimeline/internal/logging"
	"devtimeline/internal/metrics"
	"devtimeline/internal/publish"
	"devtimeline/internal/store"
	"devtimeline/internal/watcher"
)

func (a *app) watchCommand() *cobra.Command {
	var root string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Record file modifications under a directory",
		Long: `Watch a directory tree recursively and record one file_change event
per write. Ignore patterns are reloaded when the config file changes.
Runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, loader, err := a.loadWatchedConfig()
			if err != nil {
				return err
			}
			if loader != nil {
				defer loader.Close()
			}
			if root != "" {
				cfg.Watch.Root = root
			}

			logger, err := a.newLogger(cfg, "timeline")
			if err != nil {
				return err
			}
			defer logger.Close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			s, err := a.openStore(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer s.Close()

			m := metrics.New()
			ms, err := serveMetrics(cfg.Watch.MetricsAddr, m, logger)
			if err != nil {
				return err
			}
			defer ms.Close()

			sink, closeSink := a.buildSink(ctx, cfg, s, m, logger)
			defer closeSink()

			w, err := watcher.New(cfg.Watch.Root, sink, logger, watcher.Options{
				IgnorePatterns:   cfg.Watch.IgnorePatterns,
				ContentLimit:     cfg.Watch.ContentLimit,
				DigestLimit:      cfg.Watch.DigestLimit,
				InsertRetries:    cfg.Watch.InsertRetries,
				InsertRetryDelay: cfg.Watch.InsertRetryDelay(),
				ExcludePaths:     ownFiles(cfg, s.Path()),
			})
			if err != nil {
				return err
			}

			if loader != nil {
				loader.OnChange(func(c *config.Config) {
					w.SetIgnorePatterns(c.Watch.IgnorePatterns)
					logger.Info("ignore patterns reloaded", "count", len(c.Watch.IgnorePatterns))
				})
				go logReloadErrors(ctx, loader, logger)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Watching %s (Ctrl+C to stop)\n", w.Root())
			err = w.Run(ctx)
			if errors.Is(err, context.Canceled) {
				err = nil
			}

			st := w.Stats()
			logger.Info("watcher stopped", "recorded", st.Recorded, "ignored", st.Ignored, "failed", st.Failed)
			return err
		},
	}

	cmd.Flags().StringVarP(&root, "path", "p", "", "directory to watch (default: config watch.root)")
	return cmd
}

// loadWatchedConfig loads the config through a hot-reloading Loader when
// a config file exists, and falls back to plain defaults otherwise.
func (a *app) loadWatchedConfig() (*config.Config, *config.Loader, error) {
	path := a.configPath
	if path == "" {
		path = config.FindConfigFile()
	}
	if path == "" {
		cfg, err := a.loadConfig()
		return cfg, nil, err
	}

	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := loader.Watch(); err != nil {
		loader.Close()
		return nil, nil, err
	}

	cfg = cfg.Clone()
	a.applyOverrides(cfg)
	return cfg, loader, nil
}

func logReloadErrors(ctx context.Context, loader *config.Loader, logger *logging.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-loader.Errors():
			logger.Warn("config reload failed", "error", err)
		}
	}
}

// ownFiles lists what the timeline itself writes: the store, the export
// directory and the log files. Recording them would feed every insert back
// into the watcher.
func ownFiles(cfg *config.Config, dbPath string) []string {
	return []string{dbPath, cfg.Export.LogDir, cfg.Supervisor.LogPath, cfg.Logging.FilePath}
}

// buildSink decorates s with metrics and, when enabled, Redis publishing.
// A publisher that cannot connect is logged and skipped.
func (a *app) buildSink(ctx context.Context, cfg *config.Config, s store.Sink, m *metrics.Metrics, logger *logging.Logger) (store.Sink, func()) {
	sink := metrics.InstrumentSink(s, m)
	if !cfg.Publish.Enabled {
		return sink, func() {}
	}

	dialCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	p, err := publish.Dial(dialCtx, cfg.Publish.RedisAddr, logger, publish.Options{
		Stream:  cfg.Publish.Stream,
		MaxLen:  cfg.Publish.MaxLen,
		Metrics: m,
	})
	if err != nil {
		logger.Warn("event publishing disabled", "error", err)
		return sink, func() {}
	}
	return p.Sink(sink), func() { _ = p.Close() }
}
