package cli

import (
	"github.com/spf13/cobra"

	"github.com/sps2/sse/internal/journal"
)

// NewJournalCommand creates the journal status command. It reads the raw
// on-disk journal directly, without opening the engine (which would run
// recovery and clear it), so the operator can inspect a crashed process's
// in-flight transition before deciding how to proceed.
func NewJournalCommand(rootOpts *RootOptions) *cobra.Command {
	status := &cobra.Command{
		Use:           "status",
		Short:         "Show the current journal entry, if any",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJournalStatus(rootOpts, cmd)
		},
	}

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the crash-recovery journal",
	}
	cmd.AddCommand(status)
	return cmd
}

func runJournalStatus(opts *RootOptions, cmd *cobra.Command) error {
	f := formatter(opts)

	entry, present, err := journal.Read(opts.Root)
	if err != nil {
		return WrapExitError(ExitRecoveryRequired, "read journal", err)
	}
	if !present {
		return f.Success(map[string]any{"present": false})
	}

	return f.Success(map[string]any{
		"present":      true,
		"state":        entry.StateID,
		"parent":       entry.ParentID,
		"staging_slot": entry.StagingSlot,
		"operation":    entry.Operation,
		"phase":        entry.Phase,
	})
}
