package cli

import (
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"devtimeline/internal/api"
	"devtimeline/internal/config"
	"devtimeline/internal/health"
	"devtimeline/internal/metrics"
	"devtimeline/internal/recorder"
	"devtimeline/internal/report"
	"devtimeline/internal/store"
)

const (
	maxHeapBytes     = 512 << 20
	minFreeDiskBytes = 100 << 20
)

func (a *app) serveCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the timeline over HTTP",
		Long: `Serve the query, interaction, export, health and metrics endpoints.
GET /health answers {"status":"healthy"} once the store is reachable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
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
			sink, closeSink := a.buildSink(ctx, cfg, s, m, logger)
			defer closeSink()

			checker := newChecker(cfg, s)
			checker.SetReady(true)

			deps := api.Deps{
				Events:   s,
				Recorder: recorder.New(sink, logger),
				Reporter: report.New(s, report.Options{LogDir: cfg.Export.LogDir, PreviewLimit: cfg.Export.PreviewLimit}),
				Health:   checker,
			}
			if cfg.Metrics.Enabled {
				deps.Metrics = m
			}

			srv := api.New(deps, api.Config{
				Addr:         cfg.Server.Addr,
				ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
				WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
				MaxLimit:     cfg.Server.MaxLimit,
				MetricsPath:  cfg.Metrics.Path,
			}, logger)
			return srv.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: config server.addr)")
	return cmd
}

// newChecker registers the store as the critical component and the
// export directory, heap and disk as optional ones.
func newChecker(cfg *config.Config, s *store.Store) *health.Checker {
	c := health.NewChecker()
	c.RegisterFunc("store", true, health.PingCheck(s.Ping))
	c.RegisterFunc("memory", false, health.MemoryCheck(maxHeapBytes))
	c.RegisterFunc("disk", false, health.DiskSpaceCheck(filepath.Dir(s.Path()), minFreeDiskBytes))
	c.RegisterFunc("export_dir", false, health.DirectoryCheck(cfg.Export.LogDir))
	return c
}
