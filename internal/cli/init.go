package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"devtimeline/internal/store"
)

func (a *app) initCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the event database",
		Long: `Create the event database and its schema. Running init again leaves
existing events untouched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}

			s, err := a.openStore(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := s.Count(cmd.Context(), store.Filter{})
			if err != nil {
				return err
			}

			path, err := filepath.Abs(s.Path())
			if err != nil {
				path = s.Path()
			}

			out := cmd.OutOrStdout()
			if a.jsonOutput {
				return writeJSON(out, map[string]any{"path": path, "events": n})
			}
			fmt.Fprintf(out, "Timeline database ready at %s (%d events)\n", path, n)
			return nil
		},
	}
}
