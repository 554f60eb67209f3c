package cli

import (
	"github.com/spf13/cobra"
)

// NewRollbackCommand creates the rollback-to-state command.
func NewRollbackCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "rollback <state-id>",
		Short:         "Roll back to a previously recorded state",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRollback(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runRollback(opts *RootOptions, targetStateID string, cmd *cobra.Command) error {
	f := formatter(opts)

	e, err := openEngine(opts)
	if err != nil {
		return err
	}
	defer e.Close()

	id, err := e.Rollback(cmd.Context(), targetStateID)
	if err != nil {
		return WrapExitError(ExitOperationFailed, "rollback", err)
	}

	return f.Success(map[string]string{"state": id})
}
