package main

import (
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/neodock/neodock/internal/app"
	"github.com/neodock/neodock/internal/domain"
	"github.com/neodock/neodock/internal/orchestrator"
)

func newExportCmd() *cobra.Command {
	var password string

	cmd := &cobra.Command{
		Use:   "export <container-id> [path]",
		Short: "Write the instance's data to a snapshot archive",
		Long: `Export stops the instance, archives its data directory and starts it again.
Path may be a file or a directory; it defaults to the snapshot directory.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app.App) error {
				dest := a.Config.Snapshot.Dir
				if len(args) == 2 {
					dest = args[1]
				} else if err := os.MkdirAll(dest, 0o755); err != nil {
					return err
				}

				inst, err := handle(cmd, a, args[0], password)
				if err != nil {
					return err
				}
				path, err := inst.ExportData(cmd.Context(), dest)
				if err != nil {
					return err
				}
				printf(cmd.OutOrStdout(), successStyle, "Exported %s to %s (%s)", inst.Name(), path, sizeOf(path))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "password of an instance started elsewhere (default $NEO4J_PASSWORD)")
	return cmd
}

func newImportCmd() *cobra.Command {
	var (
		password string
		opts     = domain.ImportOptions{Validate: true, Backup: true}
	)

	cmd := &cobra.Command{
		Use:   "import <container-id> <archive>",
		Short: "Replace the instance's data with a snapshot",
		Long: `Import refuses to overwrite a database that already has nodes unless --force
is given. By default the current data is backed up first and the snapshot's
Neo4j version is checked against the running server.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app.App) error {
				inst, err := handle(cmd, a, args[0], password)
				if err != nil {
					return err
				}
				if err := inst.ImportData(cmd.Context(), args[1], opts); err != nil {
					return err
				}
				printf(cmd.OutOrStdout(), successStyle, "Imported %s (%s) into %s", args[1], sizeOf(args[1]), inst.Name())
				return nil
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&password, "password", "p", "", "password of an instance started elsewhere (default $NEO4J_PASSWORD)")
	flags.BoolVar(&opts.Validate, "validate", true, "check the snapshot's Neo4j version")
	flags.BoolVar(&opts.Backup, "backup", true, "back up the current data first")
	flags.BoolVar(&opts.Force, "force", false, "overwrite a database that has data")
	return cmd
}

// handle looks up a managed instance. A fresh process knows no passwords,
// so one is taken from the flag or the environment.
func handle(cmd *cobra.Command, a *app.App, id, password string) (*orchestrator.Instance, error) {
	inst, err := a.Orchestrator.Get(cmd.Context(), id)
	if err != nil {
		return nil, err
	}
	if password == "" {
		password = os.Getenv("NEO4J_PASSWORD")
	}
	if password != "" {
		inst = inst.WithPassword(password)
	}
	return inst, nil
}

func sizeOf(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return "unknown size"
	}
	return humanize.Bytes(uint64(info.Size()))
}
