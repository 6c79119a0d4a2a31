package commands

import (
	"fmt"

	"github.com/planq/planq/pkg/engine"
	"github.com/spf13/cobra"
)

func newStatusCommand(opts *RootOptions) *cobra.Command {
	var dot bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the workspace state without changing it",
		Long: `Show what a preflight run would report, without writing anything.

With --dot the dependency graph of the queue is printed in Graphviz DOT
format instead.`,
		Example: `  # Show queue, plans, archive and gate
  planq status

  # Render the dependency graph
  planq status --dot | dot -Tsvg > queue.svg`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, done, err := opts.openWorkspace(cmd)
			if err != nil {
				return err
			}
			defer done()

			if dot {
				q, err := ws.Queue()
				if err != nil {
					return err
				}
				_, err = fmt.Fprint(cmd.OutOrStdout(), engine.NewDependencyGraph(q).ToDOT())
				return err
			}

			summary, err := ws.Preflight(cmd.Context(), engine.PreflightOptions{DryRun: true})
			if summary == nil {
				return err
			}
			return opts.printSummary(cmd.OutOrStdout(), summary)
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "print the dependency graph in DOT format")

	return cmd
}
