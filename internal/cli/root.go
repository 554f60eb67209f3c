// Package cli implements ssectl, the command-line surface over the State &
// Store Engine facade (internal/engine). Structured directly on the
// teacher's internal/cli/root.go: persistent global flags, one
// NewXCommand(opts) constructor per verb, cobra.Command throughout.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sps2/sse/internal/config"
	"github.com/sps2/sse/internal/engine"
	"github.com/sps2/sse/internal/sselog"
)

// RootOptions holds global flags shared by every subcommand.
type RootOptions struct {
	Verbose bool
	Format  string // "text" | "json"
	Root    string // engine root directory (state.sqlite, store/, slots/, live)
}

// ValidFormats enumerates the allowed --format values.
var ValidFormats = []string{"text", "json"}

// NewRootCommand builds the ssectl root command and its full subcommand tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "ssectl",
		Short: "ssectl - State & Store Engine control",
		Long:  "Control plane for the State & Store Engine: content-addressed package store, state catalog, and atomic transitions.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitUsage, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			if opts.Root == "" {
				return NewExitError(ExitUsage, "--root is required")
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Root, "root", "", "engine root directory (required)")

	cmd.AddCommand(NewInstallCommand(opts))
	cmd.AddCommand(NewUpdateCommand(opts))
	cmd.AddCommand(NewUninstallCommand(opts))
	cmd.AddCommand(NewRollbackCommand(opts))
	cmd.AddCommand(NewListStatesCommand(opts))
	cmd.AddCommand(NewGCCommand(opts))
	cmd.AddCommand(NewJournalCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// openEngine loads configuration for opts.Root and opens the engine facade,
// recovering any interrupted transition. A recovery failure is surfaced as
// ExitRecoveryRequired rather than ExitOperationFailed, distinguishing
// "journal present and could not be resolved" from an ordinary operation
// failure.
func openEngine(opts *RootOptions) (*engine.Engine, error) {
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	log := sselog.New("ssectl", logLevel)

	cfg := config.Default(opts.Root)
	if data, err := os.ReadFile(opts.Root + "/ssectl.yaml"); err == nil {
		loaded, loadErr := config.Load(opts.Root, data)
		if loadErr != nil {
			return nil, WrapExitError(ExitUsage, "load config", loadErr)
		}
		cfg = loaded
	}

	e, err := engine.Open(context.Background(), cfg, log)
	if err != nil {
		return nil, WrapExitError(ExitRecoveryRequired, "open engine", err)
	}
	return e, nil
}

func formatter(opts *RootOptions) *OutputFormatter {
	return &OutputFormatter{Format: opts.Format, Writer: os.Stdout, Verbose: opts.Verbose}
}
