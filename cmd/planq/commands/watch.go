package commands

import (
	"fmt"
	"time"

	"github.com/planq/planq/pkg/engine"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newWatchCommand(opts *RootOptions) *cobra.Command {
	var debounce time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run preflight whenever plans, the queue or the config change",
		Long: `Run preflight once, then again after every change to a plan root, the
queue document or the configuration file. Changes are debounced so an
editor saving several files triggers a single run.

Files written by a run do not trigger another one. An invalid
configuration change is logged and the previous configuration stays in
effect. Stop with Ctrl-C.`,
		Example: `  # Watch the current workspace
  planq watch

  # Wait two seconds for changes to settle
  planq watch --debounce 2s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, done, err := opts.openWorkspace(cmd)
			if err != nil {
				return err
			}
			defer done()

			out := cmd.OutOrStdout()
			return ws.Watch(cmd.Context(), engine.WatchOptions{
				Debounce: debounce,
				OnRun: func(s *engine.Summary, err error) {
					if s == nil {
						log.Error().Err(err).Msg("Preflight failed")
						return
					}
					if opts.JSON {
						_ = printJSON(out, s)
						return
					}
					line := fmt.Sprintf("%s %s: %d items, %d archived, %d gate issues",
						s.GeneratedAt, s.Status, s.Queue.Items, len(s.Archive.ArchivedItems), s.Gate.Count)
					if err != nil {
						line += fmt.Sprintf(" (%s)", engine.Code(err))
					}
					fmt.Fprintln(out, line)
				},
			})
		},
	}

	cmd.Flags().DurationVar(&debounce, "debounce", engine.DefaultDebounce, "wait this long for changes to settle")

	return cmd
}
