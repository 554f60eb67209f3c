package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/sps2/sse/internal/engine"
)

// NewInstallCommand creates the install command.
func NewInstallCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "install <package.sp>...",
		Short:         "Install one or more packages, replacing the active package set",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstall(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runInstall(opts *RootOptions, archivePaths []string, cmd *cobra.Command) error {
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

	id, err := e.Install(cmd.Context(), targets)
	if err != nil {
		return WrapExitError(ExitOperationFailed, "install", err)
	}

	return f.Success(map[string]string{"state": id})
}

// ingestArchives reads each .sp file from disk and stores it in the
// content-addressed store, returning the resulting Targets in input order.
func ingestArchives(e *engine.Engine, archivePaths []string) ([]engine.Target, error) {
	targets := make([]engine.Target, 0, len(archivePaths))
	for _, path := range archivePaths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		pkg, err := e.Store().PutPackage(data)
		if err != nil {
			return nil, err
		}
		targets = append(targets, engine.Target{
			Name:        pkg.Manifest.Package.Name,
			Version:     pkg.Manifest.Package.Version,
			StoreHash:   pkg.StoreHash,
			ArchiveHash: pkg.ArchiveHash,
		})
	}
	return targets, nil
}
