package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"devtimeline/internal/errclass"
	"devtimeline/internal/recorder"
	"devtimeline/internal/store"
)

func (a *app) recordCommand() *cobra.Command {
	var (
		kind      string
		filePath  string
		input     string
		response  string
		changes   string
		fromStdin bool
	)

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record an editor or assistant interaction",
		Long: `Record one cursor event. Fields come from flags, or with --stdin from a
JSON document such as:

  {"kind":"edit","user_input":"...","code_changes":{"main.go":"..."}}`,
		Example: `  timeline record --kind chat --input "why does this panic?" --response "..."
  timeline record --kind edit --file main.go --changes '{"main.go":"+fix"}'
  echo '{"kind":"suggestion"}' | timeline record --stdin`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var in recorder.Interaction
			if fromStdin {
				var err error
				if in, err = recorder.Decode(cmd.InOrStdin()); err != nil {
					return err
				}
			} else {
				in = recorder.Interaction{Kind: store.CursorEventType(kind), FilePath: filePath}
				if !in.Kind.Valid() {
					return errclass.ErrInvalidEvent.WithMessagef("unknown interaction kind %q", kind)
				}
				if cmd.Flags().Changed("input") {
					in.UserInput = &input
				}
				if cmd.Flags().Changed("response") {
					in.AIResponse = &response
				}
				if changes != "" {
					if err := json.Unmarshal([]byte(changes), &in.CodeChanges); err != nil {
						return errclass.ErrInvalidEvent.WithMessage("--changes must be a JSON object").Wrap(err)
					}
				}
			}

			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			logger, err := a.newLogger(cfg, "timeline")
			if err != nil {
				return err
			}
			defer logger.Close()

			s, err := a.openStore(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer s.Close()

			id, err := recorder.New(s, logger).Record(in)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if a.jsonOutput {
				return writeJSON(out, map[string]int64{"id": id})
			}
			fmt.Fprintf(out, "Recorded %s interaction as event %d\n", in.Kind, id)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&kind, "kind", "k", string(store.CursorChat), "interaction kind: chat, compose, create, edit, command or suggestion")
	flags.StringVarP(&filePath, "file", "f", "", "file the interaction is about")
	flags.StringVar(&input, "input", "", "what the user asked")
	flags.StringVar(&response, "response", "", "what the assistant answered")
	flags.StringVar(&changes, "changes", "", "code changes as a JSON object keyed by file path")
	flags.BoolVar(&fromStdin, "stdin", false, "read the interaction as JSON from stdin")
	return cmd
}
