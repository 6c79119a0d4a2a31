package commands

import (
	"fmt"

	"github.com/planq/planq/pkg/archive"
	"github.com/planq/planq/pkg/engine"
	"github.com/spf13/cobra"
)

func newArchiveCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Inspect and maintain the archive",
		Long: `Inspect and maintain the append-only archive.

Archived records live in one JSONL shard per feature. The index maps every
archive key to the shard holding its record and is what deduplication
and search consult.`,
	}

	cmd.AddCommand(newArchiveVerifyCommand(opts))
	cmd.AddCommand(newArchiveReindexCommand(opts))
	cmd.AddCommand(newArchiveSearchCommand(opts))

	return cmd
}

func newArchiveVerifyCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check that index entries and shard records agree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, done, err := opts.openWorkspace(cmd)
			if err != nil {
				return err
			}
			defer done()

			rep, err := ws.VerifyArchive(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.JSON {
				if err := printJSON(out, rep); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "%d index entries, %d shards, %d records\n", rep.Entries, rep.Shards, rep.Records)
				for _, p := range rep.Problems {
					fmt.Fprintf(out, "  ✗ %s\n", p)
				}
			}
			if !rep.OK() {
				return engine.NewPermanentError(fmt.Sprintf("archive has %d problems", len(rep.Problems)), nil).
					WithCode(engine.ErrCodeDocumentInvalid)
			}
			if !opts.JSON {
				fmt.Fprintln(out, "✓ Archive is consistent")
			}
			return nil
		},
	}
}

func newArchiveReindexCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Add index entries for shard records the index lacks",
		Long: `Scan every shard and add index entries for records the index does not
know. This repairs the index after a crash between a shard append and the
index write. Existing entries are never changed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, done, err := opts.openWorkspace(cmd)
			if err != nil {
				return err
			}
			defer done()

			added, err := ws.Reindex(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.JSON {
				return printJSON(out, added)
			}
			for _, e := range added {
				fmt.Fprintf(out, "✓ Indexed %s (%s)\n", e.ArchiveKey, e.ArchiveRef)
			}
			fmt.Fprintf(out, "%d entries added\n", len(added))
			return nil
		},
	}
}

func newArchiveSearchCommand(opts *RootOptions) *cobra.Command {
	var (
		q    archive.Query
		kind string
	)

	cmd := &cobra.Command{
		Use:   "search [text]",
		Short: "Search archived items and features",
		Example: `  # Find archived work mentioning "cart"
  planq archive search cart

  # List archived features of one feature id
  planq archive search --feature checkout --kind feature`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if kind != "" {
				q.Kind = archive.Kind(kind)
				if !q.Kind.Valid() {
					return usageError(fmt.Sprintf("unknown archive kind %q", kind))
				}
			}
			if len(args) > 0 {
				q.Text = args[0]
			}

			ws, done, err := opts.openWorkspace(cmd)
			if err != nil {
				return err
			}
			defer done()

			res, err := ws.SearchArchive(cmd.Context(), q)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.JSON {
				return printJSON(out, res)
			}

			runs := make(map[string]string, len(res.Catalog))
			for _, e := range res.Catalog {
				if e.RunID != nil {
					runs[e.ArchiveKey] = *e.RunID
				}
			}
			if len(res.Index) == 0 {
				fmt.Fprintln(out, "No archived records")
				return nil
			}
			for _, e := range res.Index {
				line := fmt.Sprintf("%s  %-7s %s", e.ArchivedAt, e.Kind, e.ArchiveKey)
				if run, ok := runs[e.ArchiveKey]; ok {
					line += "  run " + run
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&q.FeatureID, "feature", "f", "", "only records of this feature")
	cmd.Flags().StringVar(&kind, "kind", "", "only records of this kind (item, feature)")
	cmd.Flags().IntVarP(&q.Limit, "limit", "n", 0, "maximum number of results")

	return cmd
}
