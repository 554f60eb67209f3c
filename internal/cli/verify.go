package cli

import (
	"github.com/spf13/cobra"
)

// NewVerifyCommand creates the verify command: a maintenance-only health
// check over the catalog (schema version, foreign-key integrity, and
// active-state pointer consistency).
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "verify",
		Short:         "Run the catalog health check",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(rootOpts, cmd)
		},
	}
	return cmd
}

func runVerify(opts *RootOptions, cmd *cobra.Command) error {
	f := formatter(opts)

	e, err := openEngine(opts)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.Verify(cmd.Context()); err != nil {
		return WrapExitError(ExitRecoveryRequired, "catalog failed health check", err)
	}

	return f.Success(map[string]bool{"healthy": true})
}
