package cli

import (
	"github.com/spf13/cobra"
)

// NewUpdateCommand creates the update command. It is install's sibling:
// update/upgrade is a distinct collaborator-facing verb from install even
// though both drive the same underlying transition.
func NewUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "update <package.sp>...",
		Short:         "Update the active package set to the given packages",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpdate(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runUpdate(opts *RootOptions, archivePaths []string, cmd *cobra.Command) error {
	f := formatter(opts)

	e, err := openEngine(opts)
	if err != nil {
		return err
	}
	defer e.Close()

	targets, err := ingestArchives(e, archivePaths)
	if err != nil {
		return WrapExitError(ExitOperationFailed, "ingest package archives", err)
	}

	id, err := e.Upgrade(cmd.Context(), targets)
	if err != nil {
		return WrapExitError(ExitOperationFailed, "update", err)
	}

	return f.Success(map[string]string{"state": id})
}
