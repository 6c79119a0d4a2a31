package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/planq/planq/pkg/engine"
	"github.com/planq/planq/pkg/telemetry"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// RootOptions holds the global flags. It is passed to every subcommand.
type RootOptions struct {
	Workspace string
	Config    string
	Verbose   bool
	JSON      bool
	LogFormat string

	version string
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &RootOptions{version: version}

	rootCmd := &cobra.Command{
		Use:   "planq",
		Short: "planq - durable task queue for planned work",
		Long: `planq keeps a work queue, its plan documents and an append-only archive
consistent on disk.

Every command takes the workspace lock, so concurrent agents never
interleave writes. 'planq preflight' repairs the queue, synchronizes plan
folders with queue items, applies the quality gate and archives finished
work.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError(err.Error())
	})

	rootCmd.PersistentFlags().StringVarP(&opts.Workspace, "workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&opts.JSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "log format: console or json (overrides the config)")

	rootCmd.AddCommand(newInitCommand(opts))
	rootCmd.AddCommand(newPreflightCommand(opts))
	rootCmd.AddCommand(newWatchCommand(opts))
	rootCmd.AddCommand(newStatusCommand(opts))
	rootCmd.AddCommand(newValidateCommand(opts))
	rootCmd.AddCommand(newItemCommand(opts))
	rootCmd.AddCommand(newArchiveCommand(opts))

	return rootCmd
}

// openWorkspace loads the workspace named by the global flags and attaches
// telemetry configured from it. The returned func stops the telemetry.
func (opts *RootOptions) openWorkspace(cmd *cobra.Command) (*engine.Workspace, func(), error) {
	switch opts.LogFormat {
	case "", "console", "json":
	default:
		return nil, nil, usageError(fmt.Sprintf("unknown log format %q", opts.LogFormat))
	}

	ws, err := engine.Open(opts.Workspace, engine.Options{
		ConfigPath: opts.Config,
		Logger:     log.Logger,
	})
	if err != nil {
		return nil, nil, err
	}

	tc := ws.Config.TelemetrySettings(ws.Root, opts.version)
	tc.Logging.Writer = cmd.ErrOrStderr()
	if opts.LogFormat != "" {
		tc.Logging.Format = opts.LogFormat
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		tc.Logging.Level = level
	}
	if opts.Verbose {
		tc.Logging.Level = "debug"
	}
	tel, err := telemetry.NewTelemetry(tc)
	if err != nil {
		log.Warn().Err(err).Msg("Telemetry disabled")
		return ws, func() {}, nil
	}
	ws.UseTelemetry(tel)
	tel.Events.Subscribe(telemetry.LogSubscriber(tel.Logger.NewComponentLogger("events").Zerolog()), nil)

	return ws, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
	}, nil
}

func usageError(msg string) error {
	return engine.NewPermanentError(msg, nil).WithCode(engine.ErrCodeInvalidArgument)
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
