package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"devtimeline/internal/config"
	"devtimeline/internal/publish"
	"devtimeline/internal/report"
	"devtimeline/internal/store"
)

// exportDefault is the --export value used when no file name is given.
const exportDefault = "auto"

const (
	followBatch = 100
	followEvery = 500 * time.Millisecond
)

func (a *app) logsCommand() *cobra.Command {
	var (
		limit     int
		eventType string
		source    string
		since     time.Duration
		export    string
		follow    bool
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent timeline events",
		Long: `Show the most recent events, newest first. With --export the events are
appended to a markdown log under the export directory instead. With
--follow, new events are printed as they arrive on the Redis stream
(publish.enabled must be set).`,
		Example: `  timeline logs --limit 20 --type terminal
  timeline logs --source src/ --since 2h
  timeline logs --export
  timeline logs --export today.md
  timeline logs --follow --type file_change`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if limit <= 0 {
				return fmt.Errorf("limit must be positive, got %d", limit)
			}

			f := store.Filter{SourceSubstring: source}
			if eventType != "" {
				if f.EventType, err = store.ParseEventType(eventType); err != nil {
					return err
				}
			}
			if follow && !cfg.Publish.Enabled {
				return fmt.Errorf("--follow needs publish.enabled in the config")
			}
			if since > 0 {
				f.Since = time.Now().Add(-since)
			}

			s, err := a.openStore(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer s.Close()

			events, err := s.Query(cmd.Context(), f, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if cmd.Flags().Changed("export") {
				name := export
				if name == exportDefault {
					name = ""
				}
				r := report.New(s, report.Options{LogDir: cfg.Export.LogDir, PreviewLimit: cfg.Export.PreviewLimit})
				path, err := r.Export(events, name)
				if err != nil {
					return err
				}
				if a.jsonOutput {
					return writeJSON(out, map[string]any{"path": path, "count": len(events)})
				}
				fmt.Fprintf(out, "Exported %d events to %s\n", len(events), path)
				return nil
			}

			if follow {
				return a.follow(cmd.Context(), cfg, out, f, events)
			}

			if a.jsonOutput {
				if events == nil {
					events = []store.Event{}
				}
				return writeJSON(out, events)
			}
			if len(events) == 0 {
				fmt.Fprintln(out, "No events found.")
				return nil
			}
			return report.RenderTable(out, events)
		},
	}

	flags := cmd.Flags()
	flags.IntVarP(&limit, "limit", "n", store.DefaultLimit, "maximum number of events")
	flags.StringVarP(&eventType, "type", "t", "", "only this event type: file_change, cursor or terminal")
	flags.StringVarP(&source, "source", "s", "", "only sources containing this text (case-insensitive)")
	flags.DurationVar(&since, "since", 0, "only events newer than this, e.g. 30m or 24h")
	flags.StringVar(&export, "export", "", "append the events to a markdown log; optional file name")
	flags.Lookup("export").NoOptDefVal = exportDefault
	flags.BoolVarP(&follow, "follow", "f", false, "keep printing new events from the publish stream")
	cmd.MarkFlagsMutuallyExclusive("export", "follow")
	return cmd
}

// follow prints the stored events oldest first, then every matching event
// published after them until interrupted.
func (a *app) follow(ctx context.Context, cfg *config.Config, out io.Writer, f store.Filter, recent []store.Event) error {
	ctx, stop := signalContext(ctx)
	defer stop()

	logger, err := a.newLogger(cfg, "timeline")
	if err != nil {
		return err
	}
	defer logger.Close()

	dialCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	p, err := publish.Dial(dialCtx, cfg.Publish.RedisAddr, logger, publish.Options{Stream: cfg.Publish.Stream})
	cancel()
	if err != nil {
		return err
	}
	defer p.Close()

	last, err := p.LastID(ctx)
	if err != nil {
		return err
	}

	for i := len(recent) - 1; i >= 0; i-- {
		if err := a.printFollowed(out, &recent[i]); err != nil {
			return err
		}
	}
	return a.followEvents(ctx, p, out, f, last, followEvery)
}

// followEvents polls the stream after lastID every interval and prints the
// entries that match f. It returns nil once ctx ends.
func (a *app) followEvents(ctx context.Context, p *publish.Publisher, out io.Writer, f store.Filter, lastID string, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		events, next, err := p.Read(ctx, lastID, followBatch)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		lastID = next

		for i := range events {
			if !followMatches(f, &events[i]) {
				continue
			}
			if err := a.printFollowed(out, &events[i]); err != nil {
				return err
			}
		}
		if len(events) == followBatch {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func followMatches(f store.Filter, e *store.Event) bool {
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.SourceSubstring != "" && !strings.Contains(strings.ToLower(e.Source), strings.ToLower(f.SourceSubstring)) {
		return false
	}
	return true
}

func (a *app) printFollowed(out io.Writer, e *store.Event) error {
	if a.jsonOutput {
		return json.NewEncoder(out).Encode(e)
	}
	_, err := fmt.Fprintf(out, "%s  %-11s %-8s %s\n",
		e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.EventType, e.Action, report.Clip(e.Source, 80))
	return err
}
