package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"devtimeline/internal/metrics"
	"devtimeline/internal/terminal"
)

func (a *app) shellCommand() *cobra.Command {
	var shell string

	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Run a shell whose output is recorded",
		Long: `Start an interactive shell on a pseudo-terminal. Everything the shell
prints is shown as usual and recorded as terminal events.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if shell != "" {
				cfg.Terminal.Shell = shell
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
			ms, err := serveMetrics(cfg.Terminal.MetricsAddr, m, logger)
			if err != nil {
				return err
			}
			defer ms.Close()

			sink, closeSink := a.buildSink(ctx, cfg, s, m, logger)
			defer closeSink()

			c := terminal.New(sink, logger, terminal.Options{
				Shell:    cfg.Terminal.Shell,
				ReadSize: cfg.Terminal.ReadSize,
			})

			fmt.Fprintf(cmd.ErrOrStderr(), "Recording %s; exit the shell to stop.\n", c.Shell())
			err = c.Run(ctx)

			st := c.Stats()
			logger.Info("terminal capture stopped", "recorded", st.Recorded, "dropped", st.Dropped)
			return err
		},
	}

	cmd.Flags().StringVar(&shell, "shell", "", "shell to run (default: config terminal.shell, $SHELL, /bin/bash)")
	return cmd
}
