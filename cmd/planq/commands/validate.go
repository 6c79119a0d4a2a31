package commands

import (
	"fmt"

	"github.com/planq/planq/pkg/policy"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newValidateCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and policies",
		Long: `Validate the workspace configuration and compile its policies.

This command checks:
  - CUE schema conformance of the configuration
  - Field constraints such as durations and gate modes
  - Rego syntax of the built-in and configured policies`,
		Example: `  # Validate the current workspace
  planq validate

  # Validate a specific configuration file
  planq validate --config ./ci/planq.cue`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, done, err := opts.openWorkspace(cmd)
			if err != nil {
				return err
			}
			defer done()

			policies, err := ws.Policies(cmd.Context())
			if err != nil {
				return err
			}
			log.Debug().Int("policies", len(policies)).Msg("Policies compiled")

			out := cmd.OutOrStdout()
			if opts.JSON {
				return printJSON(out, struct {
					Config   string          `json:"config"`
					Policies []policy.Policy `json:"policies"`
				}{ws.ConfigSource, policies})
			}

			source := ws.ConfigSource
			if source == "" {
				source = "built-in defaults"
			}
			fmt.Fprintf(out, "✓ Configuration: %s\n", source)
			for _, p := range policies {
				state := "enabled"
				if !p.Enabled {
					state = "disabled"
				}
				fmt.Fprintf(out, "✓ Policy %s (%s, %s)\n", p.Name, p.Severity, state)
			}
			return nil
		},
	}

	return cmd
}
