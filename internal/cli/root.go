package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/rift/internal/app"
	"github.com/roach88/rift/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string

	// AppOptions are passed to app.Open. Tests use them to inject a backend
	// and clock.
	AppOptions []app.Option
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the rift CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rift",
		Short: "rift - reactive state with remote sync",
		Long: `rift keeps a local reactive state tree in sync with a shared document store.

Characters live in rooms. Local edits are debounced into field-level
updates, remote changes are merged back without clobbering unsent edits,
and a relay server lets several clients share one SQLite database.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (default "+config.DefaultConfigPath+")")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewWriteCommand(opts))
	cmd.AddCommand(NewWriteAllCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewRoomCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

// loadConfig reads the config file and environment overrides.
func (o *RootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

// newLogger builds the command logger. Logs go to w, never stdout, so JSON
// output stays parseable. --verbose forces debug level.
func (o *RootOptions) newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	level := cfg.Level()
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// openApp loads config and opens the app against the configured backend.
func (o *RootOptions) openApp(ctx context.Context, cmd *cobra.Command) (*app.App, *slog.Logger, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := o.newLogger(cfg, cmd.ErrOrStderr())

	appOpts := append([]app.Option{app.WithLogger(logger)}, o.AppOptions...)
	a, err := app.Open(ctx, cfg, appOpts...)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open rift", err)
	}
	return a, logger, nil
}

// formatter returns an OutputFormatter bound to cmd's writers.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// closeApp closes a and logs a failed final flush.
func closeApp(ctx context.Context, a *app.App, logger *slog.Logger) {
	if err := a.Close(ctx); err != nil {
		logger.Error("close failed", "error", err)
	}
}
