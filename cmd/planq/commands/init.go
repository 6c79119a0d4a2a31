package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/planq/planq/pkg/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newInitCommand(opts *RootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a planq workspace",
		Long: `Initialize a workspace with a default configuration and the plan roots
it names.

The queue, the archive and the lock are created by the first command that
needs them.`,
		Example: `  # Initialize the current directory
  planq init

  # Initialize another directory, replacing its configuration
  planq init -w ./project --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := filepath.Abs(opts.Workspace)
			if err != nil {
				return err
			}
			path := opts.Config
			if path == "" {
				path = filepath.Join(root, "planq.yaml")
			}
			path = config.Resolve(root, path)

			log.Info().Str("workspace", root).Str("config", path).Msg("Initializing workspace")

			existing := config.Find(root)
			if _, err := os.Stat(path); err == nil {
				existing = path
			}
			if existing != "" && !force {
				return usageError(fmt.Sprintf("workspace already has a configuration at %s; use --force to replace it", existing))
			}

			cfg := config.Defaults()
			data, err := config.EncodeYAML(cfg)
			if err != nil {
				return fmt.Errorf("failed to encode configuration: %w", err)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✓ Created config file: %s\n", path)

			for _, r := range cfg.PlanRoots() {
				dir := config.Resolve(root, r.Path)
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("failed to create plan root %s: %w", dir, err)
				}
				fmt.Fprintf(out, "✓ Created plan root: %s\n", dir)
			}

			fmt.Fprintf(out, "\nNext steps:\n")
			fmt.Fprintf(out, "  1. Add a plan folder under %s\n", cfg.PlanRoots()[0].Path)
			fmt.Fprintf(out, "  2. Run: planq preflight\n")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "replace an existing configuration")

	return cmd
}
