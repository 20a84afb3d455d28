package cli

import (
	"github.com/spf13/cobra"

	"devtimeline/internal/mcp"
	"devtimeline/internal/recorder"
	"devtimeline/internal/report"
)

func (a *app) mcpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the timeline to agents over MCP on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			// stdout carries the protocol.
			if cfg.Logging.Output == "stdout" {
				cfg.Logging.Output = "stderr"
			}

			logger, err := a.newLogger(cfg, "timeline")
			if err != nil {
				return err
			}
			defer logger.Close()

			s, err := a.openStore(cmd.Context(), cfg, true)
			if err != nil {
				return err
			}
			defer s.Close()

			srv := mcp.NewServer(s,
				recorder.New(s, logger),
				report.New(s, report.Options{LogDir: cfg.Export.LogDir, PreviewLimit: cfg.Export.PreviewLimit}),
				Version, logger)
			return srv.Serve()
		},
	}
}
