package commands

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/planq/planq/pkg/engine"
	"github.com/planq/planq/pkg/queue"
	"github.com/spf13/cobra"
)

func newItemCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "item",
		Short: "Submit, claim and complete queue items",
		Long: `Change queue items under the workspace lock.

Workers claim an item, renew its lease while working and finish it with
complete or fail. Every change is validated against the item lifecycle:

  pending -> active -> complete
  pending -> deferred -> pending`,
	}

	cmd.AddCommand(newItemSubmitCommand(opts))
	cmd.AddCommand(newItemListCommand(opts))
	cmd.AddCommand(newItemShowCommand(opts))
	cmd.AddCommand(newItemClaimCommand(opts))
	cmd.AddCommand(newItemRenewCommand(opts))
	cmd.AddCommand(newItemReleaseCommand(opts))
	cmd.AddCommand(newItemDeferCommand(opts))
	cmd.AddCommand(newItemResumeCommand(opts))
	cmd.AddCommand(newItemFailCommand(opts))
	cmd.AddCommand(newItemCompleteCommand(opts))
	cmd.AddCommand(newItemReclaimCommand(opts))

	return cmd
}

func newItemSubmitCommand(opts *RootOptions) *cobra.Command {
	var (
		item      queue.Item
		subscope  string
		deferred  string
		criteria  []string
		dependsOn []string
	)

	cmd := &cobra.Command{
		Use:   "submit <title>",
		Short: "Add an item to the queue",
		Example: `  # Submit a task for the checkout feature
  planq item submit "Add cart tests" --feature checkout --criteria "tests pass"

  # Submit a task that waits on another
  planq item submit "Write docs" --feature checkout --depends-on checkout-add-cart-tests`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, done, err := opts.openWorkspace(cmd)
			if err != nil {
				return err
			}
			defer done()

			item.Title = strings.Join(args, " ")
			item.AcceptanceCriteria = criteria
			item.DependsOn = dependsOn
			if subscope != "" {
				item.Subscope = &subscope
			}
			if deferred != "" {
				item.State = queue.StateDeferred
				item.DeferredReason = &deferred
			}

			res, err := ws.Submit(cmd.Context(), item)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.JSON {
				return printJSON(out, res)
			}
			switch {
			case res.Added:
				fmt.Fprintf(out, "✓ Submitted %s\n", res.ID)
			case res.Archived:
				fmt.Fprintf(out, "Already archived as %s\n", res.ID)
			default:
				fmt.Fprintf(out, "Already queued as %s\n", res.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&item.ID, "id", "", "item id (derived from feature and title when empty)")
	cmd.Flags().StringVar(&item.IdempotencyKey, "key", "", "idempotency key (derived when empty)")
	cmd.Flags().StringVarP(&item.FeatureID, "feature", "f", "", "feature the item belongs to")
	cmd.Flags().StringVar(&subscope, "subscope", "", "subscope within the feature")
	cmd.Flags().StringVarP(&item.Type, "type", "t", "", "item type")
	cmd.Flags().StringVar(&item.Owner, "owner", "", "item owner")
	cmd.Flags().StringVar(&deferred, "deferred", "", "submit as deferred with this reason")
	cmd.Flags().StringArrayVar(&criteria, "criteria", nil, "acceptance criterion (repeatable)")
	cmd.Flags().StringArrayVar(&item.Constraints, "constraint", nil, "constraint (repeatable)")
	cmd.Flags().StringArrayVar(&item.References, "reference", nil, "reference (repeatable)")
	cmd.Flags().StringSliceVar(&dependsOn, "depends-on", nil, "ids of items this one waits on")

	return cmd
}

func newItemListCommand(opts *RootOptions) *cobra.Command {
	var (
		states  []string
		feature string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, done, err := opts.openWorkspace(cmd)
			if err != nil {
				return err
			}
			defer done()

			q, err := ws.Queue()
			if err != nil {
				return err
			}
			want := make(map[queue.State]bool, len(states))
			for _, s := range states {
				state := queue.State(s)
				if err := state.Validate(); err != nil {
					return usageError(err.Error())
				}
				want[state] = true
			}

			items := make([]queue.Item, 0, len(q.Items))
			for _, it := range q.Items {
				if len(want) > 0 && !want[it.State] {
					continue
				}
				if feature != "" && it.FeatureID != feature {
					continue
				}
				items = append(items, it)
			}

			out := cmd.OutOrStdout()
			if opts.JSON {
				return printJSON(out, items)
			}
			if len(items) == 0 {
				fmt.Fprintln(out, "No items")
				return nil
			}
			for _, it := range items {
				line := fmt.Sprintf("%-40s %-9s %s", it.ID, it.State, it.Title)
				if it.ClaimedBy != nil {
					line += fmt.Sprintf(" [%s]", *it.ClaimedBy)
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&states, "state", "s", nil, "only items in these states")
	cmd.Flags().StringVarP(&feature, "feature", "f", "", "only items of this feature")

	return cmd
}

func newItemShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one queue item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, done, err := opts.openWorkspace(cmd)
			if err != nil {
				return err
			}
			defer done()

			q, err := ws.Queue()
			if err != nil {
				return err
			}
			it, _ := q.Find(args[0])
			if it == nil {
				return engine.NewPermanentError("item not found", queue.ErrNotFound).
					WithCode(engine.ErrCodeNotFound).
					WithResource(args[0])
			}
			return opts.printItem(cmd.OutOrStdout(), it)
		},
	}
}

func newItemClaimCommand(opts *RootOptions) *cobra.Command {
	var (
		worker string
		lease  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "claim [id]",
		Short: "Lease an item to a worker",
		Long: `Lease an item to a worker. Without an id the first claimable item in
queue order is claimed: pending, not waiting for a retry, with every
dependency complete.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, done, err := opts.openWorkspace(cmd)
			if err != nil {
				return err
			}
			defer done()

			req := engine.ClaimRequest{Worker: worker, Lease: lease}
			if len(args) > 0 {
				req.ID = args[0]
			}
			it, err := ws.Claim(cmd.Context(), req)
			if err != nil {
				return err
			}
			return opts.printItem(cmd.OutOrStdout(), it)
		},
	}

	cmd.Flags().StringVar(&worker, "worker", "", "claiming worker (defaults to the configured claimant)")
	cmd.Flags().DurationVar(&lease, "lease", 0, "lease duration (defaults to the configured lease)")

	return cmd
}

func newItemRenewCommand(opts *RootOptions) *cobra.Command {
	var (
		worker string
		lease  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "renew <id>",
		Short: "Extend the lease on an active item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, done, err := opts.openWorkspace(cmd)
			if err != nil {
				return err
			}
			defer done()

			it, err := ws.Renew(cmd.Context(), args[0], worker, lease)
			if err != nil {
				return err
			}
			return opts.printItem(cmd.OutOrStdout(), it)
		},
	}

	cmd.Flags().StringVar(&worker, "worker", "", "worker holding the lease")
	cmd.Flags().DurationVar(&lease, "lease", 0, "new lease duration")

	return cmd
}

func newItemReleaseCommand(opts *RootOptions) *cobra.Command {
	var worker string

	cmd := &cobra.Command{
		Use:   "release <id>",
		Short: "Return an active item to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, done, err := opts.openWorkspace(cmd)
			if err != nil {
				return err
			}
			defer done()

			it, err := ws.Release(cmd.Context(), args[0], worker)
			if err != nil {
				return err
			}
			return opts.printItem(cmd.OutOrStdout(), it)
		},
	}

	cmd.Flags().StringVar(&worker, "worker", "", "worker holding the lease (any holder when empty)")

	return cmd
}

func newItemDeferCommand(opts *RootOptions) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "defer <id>",
		Short: "Park an item with a reason",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, done, err := opts.openWorkspace(cmd)
			if err != nil {
				return err
			}
			defer done()

			it, err := ws.Defer(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return opts.printItem(cmd.OutOrStdout(), it)
		},
	}

	cmd.Flags().StringVarP(&reason, "reason", "r", "", "why the item is deferred (required)")

	return cmd
}

func newItemResumeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <id>",
		Short: "Move a deferred item back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, done, err := opts.openWorkspace(cmd)
			if err != nil {
				return err
			}
			defer done()

			it, err := ws.Resume(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.printItem(cmd.OutOrStdout(), it)
		},
	}
}

func newItemFailCommand(opts *RootOptions) *cobra.Command {
	var worker, message string

	cmd := &cobra.Command{
		Use:   "fail <id>",
		Short: "Record a failed attempt",
		Long: `Record a failed attempt on an active item. The item returns to pending
with a retry delay, or is deferred once the configured number of attempts
is used up.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, done, err := opts.openWorkspace(cmd)
			if err != nil {
				return err
			}
			defer done()

			it, err := ws.Fail(cmd.Context(), args[0], worker, message)
			if err != nil {
				return err
			}
			return opts.printItem(cmd.OutOrStdout(), it)
		},
	}

	cmd.Flags().StringVar(&worker, "worker", "", "worker holding the lease")
	cmd.Flags().StringVarP(&message, "message", "m", "", "error message")

	return cmd
}

func newItemCompleteCommand(opts *RootOptions) *cobra.Command {
	var (
		worker     string
		completion queue.Completion
	)

	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Close an active item",
		Example: `  # Complete with evidence the quality gate accepts
  planq item complete checkout-add-cart-tests \
    --summary "Cart tests added" \
    --output internal/cart/cart_test.go \
    --evidence "verification: go test ./internal/cart passed"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, done, err := opts.openWorkspace(cmd)
			if err != nil {
				return err
			}
			defer done()

			it, err := ws.Complete(cmd.Context(), args[0], worker, completion)
			if err != nil {
				return err
			}
			return opts.printItem(cmd.OutOrStdout(), it)
		},
	}

	cmd.Flags().StringVar(&worker, "worker", "", "worker holding the lease")
	cmd.Flags().StringVar(&completion.Summary, "summary", "", "resolution summary")
	cmd.Flags().StringArrayVar(&completion.Outputs, "output", nil, "produced output (repeatable)")
	cmd.Flags().StringArrayVar(&completion.Evidence, "evidence", nil, "verification evidence (repeatable)")

	return cmd
}

func newItemReclaimCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reclaim",
		Short: "Return every item with an expired lease to pending",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, done, err := opts.openWorkspace(cmd)
			if err != nil {
				return err
			}
			defer done()

			ids, err := ws.ReclaimExpired(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.JSON {
				return printJSON(out, ids)
			}
			if len(ids) == 0 {
				fmt.Fprintln(out, "No expired leases")
				return nil
			}
			for _, id := range ids {
				fmt.Fprintf(out, "✓ Reclaimed %s\n", id)
			}
			return nil
		},
	}
}

func (opts *RootOptions) printItem(w io.Writer, it *queue.Item) error {
	if opts.JSON {
		return printJSON(w, it)
	}
	fmt.Fprintf(w, "%s (%s)\n", it.ID, it.State)
	fmt.Fprintf(w, "  title:    %s\n", it.Title)
	if it.FeatureID != "" {
		fmt.Fprintf(w, "  feature:  %s\n", it.FeatureID)
	}
	if it.ClaimedBy != nil {
		fmt.Fprintf(w, "  claimed:  %s", *it.ClaimedBy)
		if it.LeaseExpiresAt != nil {
			fmt.Fprintf(w, " until %s", *it.LeaseExpiresAt)
		}
		fmt.Fprintln(w)
	}
	if it.DeferredReason != nil {
		fmt.Fprintf(w, "  deferred: %s\n", *it.DeferredReason)
	}
	if it.AttemptCount > 0 {
		fmt.Fprintf(w, "  attempts: %d\n", it.AttemptCount)
	}
	if it.RetryAfter != nil {
		fmt.Fprintf(w, "  retry:    after %s\n", *it.RetryAfter)
	}
	if it.LastError != nil {
		fmt.Fprintf(w, "  error:    %s\n", *it.LastError)
	}
	if len(it.DependsOn) > 0 {
		fmt.Fprintf(w, "  depends:  %s\n", strings.Join(it.DependsOn, ", "))
	}
	return nil
}
