package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewListStatesCommand creates the list-states command.
func NewListStatesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "list-states",
		Short:         "List every recorded state, most recent first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListStates(rootOpts, cmd)
		},
	}
	return cmd
}

func runListStates(opts *RootOptions, cmd *cobra.Command) error {
	f := formatter(opts)

	e, err := openEngine(opts)
	if err != nil {
		return err
	}
	defer e.Close()

	states, err := e.ListStates(cmd.Context())
	if err != nil {
		return WrapExitError(ExitOperationFailed, "list states", err)
	}

	active, err := e.ActiveState(cmd.Context())
	if err != nil {
		return WrapExitError(ExitOperationFailed, "read active state", err)
	}

	if opts.Format == "json" {
		return f.Success(states)
	}

	for _, s := range states {
		marker := "  "
		if s.ID == active {
			marker = "* "
		}
		line := fmt.Sprintf("%s%s  %-10s  %s", marker, s.ID, s.Operation, s.CreatedAt)
		if s.RollbackOf != "" {
			line += fmt.Sprintf("  (rollback of %s)", s.RollbackOf)
		}
		if s.Pruned {
			line += "  [pruned]"
		}
		fmt.Fprintln(f.Writer, line)
	}
	return nil
}
