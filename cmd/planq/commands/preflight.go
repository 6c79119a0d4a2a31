package commands

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/planq/planq/pkg/engine"
	"github.com/planq/planq/pkg/queue"
	"github.com/spf13/cobra"
)

func newPreflightCommand(opts *RootOptions) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "preflight",
		Short: "Repair the queue, sync plans and archive finished work",
		Long: `Run one preflight pass over the workspace under its lock:

  - Normalize plan documents and migrate legacy plan files
  - Create queue items for plans that have none
  - Repair the queue and evaluate policies
  - Apply the quality gate
  - Archive completed items and finished features
  - Write the summary snapshot

The exit status reports the outcome: 3 when the quality gate fails in
fail mode, 4 when a plan document is invalid, 5 when the lock times out.`,
		Example: `  # Run preflight in the current workspace
  planq preflight

  # Show what preflight would do without writing anything
  planq preflight --dry-run --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, done, err := opts.openWorkspace(cmd)
			if err != nil {
				return err
			}
			defer done()

			summary, runErr := ws.Preflight(cmd.Context(), engine.PreflightOptions{DryRun: dryRun})
			if summary != nil {
				if err := opts.printSummary(cmd.OutOrStdout(), summary); err != nil {
					return err
				}
			}
			return runErr
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute everything but write nothing")

	return cmd
}

func (opts *RootOptions) printSummary(w io.Writer, s *engine.Summary) error {
	if opts.JSON {
		return printJSON(w, s)
	}

	fmt.Fprintf(w, "Run %s: %s\n", s.RunID, s.Status)
	if s.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", s.Error)
	}

	q := s.Queue
	fmt.Fprintf(w, "\nQueue: %d items", q.Items)
	if q.FeatureID != "" {
		fmt.Fprintf(w, " (feature %s, %s)", q.FeatureID, q.State)
	}
	fmt.Fprintln(w)
	for _, state := range queue.AllStates {
		if n := q.ByState[state]; n > 0 {
			fmt.Fprintf(w, "  %-10s %d\n", state, n)
		}
	}
	printList(w, "ready", q.Ready)
	printList(w, "expired leases", q.ExpiredLeases)
	printList(w, "waiting for retry", q.RetryWaiting)
	if q.Changes+q.Repairs > 0 {
		fmt.Fprintf(w, "  repaired %d fields\n", q.Changes+q.Repairs)
	}
	for _, cycle := range q.Cycles {
		fmt.Fprintf(w, "  dependency cycle: %s\n", strings.Join(cycle, " -> "))
	}

	p := s.Plans
	fmt.Fprintf(w, "\nPlans: %d discovered, %d created, %d migrated, %d normalized\n",
		p.Discovered, p.Created, p.Migrated, p.Normalized)
	printList(w, "items created", p.ItemsCreated)
	for _, inv := range p.Invalid {
		fmt.Fprintf(w, "  ✗ %s: %s\n", inv.Path, inv.Error)
	}

	a := s.Archive
	fmt.Fprintf(w, "\nArchive: %d index entries\n", a.IndexEntries)
	if a.Skipped {
		fmt.Fprintf(w, "  skipped: %s\n", a.SkipReason)
	}
	printList(w, "archived items", a.ArchivedItems)
	printList(w, "archived features", a.ArchivedFeatures)
	for _, id := range sortedKeys(a.HeldBack) {
		fmt.Fprintf(w, "  held back %s: %s\n", id, strings.Join(a.HeldBack[id], ", "))
	}

	g := s.Gate
	fmt.Fprintf(w, "\nQuality gate (%s): %d issues", g.Mode, g.Count)
	if g.Blocking {
		fmt.Fprint(w, ", blocking")
	}
	fmt.Fprintln(w)
	for _, rule := range sortedKeys(g.Issues) {
		fmt.Fprintf(w, "  %s: %s\n", rule, strings.Join(g.Issues[rule], ", "))
	}
	for _, v := range s.PolicyViolations {
		fmt.Fprintf(w, "  [%s] %s: %s\n", v.Severity, v.Policy, v.Message)
	}

	if len(s.NextActions) > 0 {
		fmt.Fprintln(w, "\nNext actions:")
		for _, action := range s.NextActions {
			fmt.Fprintf(w, "  - %s\n", action)
		}
	}
	return nil
}

func printList(w io.Writer, label string, ids []string) {
	if len(ids) > 0 {
		fmt.Fprintf(w, "  %s: %s\n", label, strings.Join(ids, ", "))
	}
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
