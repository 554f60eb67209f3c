package cli

import (
	"github.com/spf13/cobra"

	"github.com/sps2/sse/internal/engine"
)

// NewUninstallCommand creates the uninstall command.
func NewUninstallCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "uninstall <package-name>...",
		Short:         "Remove one or more packages from the active package set",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUninstall(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runUninstall(opts *RootOptions, names []string, cmd *cobra.Command) error {
	f := formatter(opts)
	ctx := cmd.Context()

	e, err := openEngine(opts)
	if err != nil {
		return err
	}
	defer e.Close()

	active, err := e.ActiveState(ctx)
	if err != nil {
		return WrapExitError(ExitOperationFailed, "read active state", err)
	}
	if active == "" {
		return NewExitError(ExitOperationFailed, "nothing is installed")
	}

	current, err := e.PackagesInState(ctx, active)
	if err != nil {
		return WrapExitError(ExitOperationFailed, "read active package set", err)
	}

	remove := make(map[string]bool, len(names))
	for _, n := range names {
		remove[n] = true
	}

	var remaining []engine.Target
	for _, t := range current {
		if !remove[t.Name] {
			remaining = append(remaining, t)
		}
	}

	id, err := e.Uninstall(ctx, remaining)
	if err != nil {
		return WrapExitError(ExitOperationFailed, "uninstall", err)
	}

	return f.Success(map[string]string{"state": id})
}
