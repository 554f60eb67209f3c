package cli

import (
	"github.com/spf13/cobra"
)

// NewGCCommand creates the gc command.
func NewGCCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "gc",
		Short:         "Reclaim unreferenced file objects and store packages, and prune retained states",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGC(rootOpts, cmd)
		},
	}
	return cmd
}

func runGC(opts *RootOptions, cmd *cobra.Command) error {
	f := formatter(opts)

	e, err := openEngine(opts)
	if err != nil {
		return err
	}
	defer e.Close()

	result, pruned, err := e.GC(cmd.Context())
	if err != nil {
		return WrapExitError(ExitOperationFailed, "gc", err)
	}

	return f.Success(map[string]any{
		"file_objects_removed": result.FileObjectsRemoved,
		"packages_removed":     result.PackagesRemoved,
		"bytes_freed":          result.BytesFreed,
		"states_pruned":        pruned,
	})
}
