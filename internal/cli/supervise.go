package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"devtimeline/internal/config"
	"devtimeline/internal/logging"
	"devtimeline/internal/metrics"
	"devtimeline/internal/supervisor"
)

func (a *app) superviseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "supervise",
		Short: "Run the watcher and server as supervised services",
		Long: `Start the watcher and the HTTP server as child processes, wait for the
server to report healthy, and stop everything as soon as any child dies.

Type h and Enter (or send SIGUSR1) to print the service status table.
Interrupt to stop all services.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}

			lc := cfg.Logging
			if cfg.Supervisor.LogPath != "" && a.logOutput == nil {
				lc.Output = logging.OutputBoth
				lc.FilePath = cfg.Supervisor.LogPath
			}
			logger, err := a.newLoggerFrom(&lc, "supervisor")
			if err != nil {
				return err
			}
			defer logger.Close()

			specs, err := a.processSpecs(cfg)
			if err != nil {
				return err
			}

			m := metrics.New()
			ms, err := serveMetrics(cfg.Supervisor.MetricsAddr, m, logger)
			if err != nil {
				return err
			}
			defer ms.Close()

			sup, err := supervisor.New(specs, logger, supervisor.Options{
				Tick:            cfg.Supervisor.Tick(),
				ShutdownTimeout: cfg.Supervisor.ShutdownTimeout(),
				ProbeRetries:    cfg.Supervisor.ProbeRetries,
				ProbeDelay:      cfg.Supervisor.ProbeDelay(),
				StatusOut:       cmd.OutOrStdout(),
				Metrics:         m,
			})
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			return a.supervise(ctx, sup, cmd.InOrStdin(), cmd.OutOrStdout(), logger)
		},
	}
}

// supervise runs the supervisor lifecycle. Cleanup runs on every path.
func (a *app) supervise(ctx context.Context, sup *supervisor.Supervisor, in io.Reader, out io.Writer, logger *logging.Logger) error {
	defer sup.Cleanup()

	if err := sup.Preflight(ctx); err != nil {
		return err
	}
	if err := sup.Start(ctx); err != nil {
		return err
	}

	fmt.Fprintln(out, "All services started. Type h for status, Ctrl+C to stop.")

	requests := make(chan struct{}, 1)
	go readStatusRequests(ctx, in, requests)
	stopSignals := notifyStatusSignal(ctx, requests)
	defer stopSignals()

	err := sup.Run(ctx, requests)
	if err != nil {
		logger.Error("supervisor stopping", "error", err)
	}
	return err
}

// readStatusRequests turns each "h" line of in into a status request.
func readStatusRequests(ctx context.Context, in io.Reader, requests chan<- struct{}) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if !strings.EqualFold(strings.TrimSpace(scanner.Text()), "h") {
			continue
		}
		select {
		case requests <- struct{}{}:
		case <-ctx.Done():
			return
		default:
		}
	}
}

// processSpecs returns the configured children, or the built-in watcher
// and server run from this executable.
func (a *app) processSpecs(cfg *config.Config) ([]supervisor.ProcessSpec, error) {
	if len(cfg.Supervisor.Processes) > 0 {
		specs := make([]supervisor.ProcessSpec, 0, len(cfg.Supervisor.Processes))
		for _, p := range cfg.Supervisor.Processes {
			specs = append(specs, supervisor.ProcessSpec{
				Name:      p.Name,
				Command:   p.Command,
				Env:       p.Env,
				HealthURL: p.HealthURL,
			})
		}
		return specs, nil
	}

	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate timeline executable: %w", err)
	}

	specs := supervisor.DefaultSpecs(self, cfg.Server.Addr)
	extra := a.childArgs()
	for i := range specs {
		specs[i].Command = append(specs[i].Command, extra...)
	}
	return specs, nil
}
