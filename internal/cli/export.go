package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func newExportCommand(app *App) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a JSON snapshot of every record and queue entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, st, err := app.openService()
			if err != nil {
				return err
			}
			defer st.Close()

			if output == "" || output == "-" {
				return svc.WriteExport(cmd.Context(), cmd.OutOrStdout())
			}
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("create %s: %w", output, err)
			}
			if err := svc.WriteExport(cmd.Context(), f); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "snapshot file (stdout when empty)")
	return cmd
}

func newImportCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "import <snapshot.json | ->",
		Short: "Recapture every record of a snapshot",
		Long:  "Replays each record of a snapshot through capture with a new id. Records that cannot be read are counted as failed and the rest continue.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open %s: %w", args[0], err)
				}
				defer f.Close()
				in = f
			}

			svc, st, err := app.openService()
			if err != nil {
				return err
			}
			defer st.Close()

			result, err := svc.ImportAll(cmd.Context(), in)
			if err != nil {
				return err
			}
			if app.jsonOutput() {
				return writeJSON(cmd.OutOrStdout(), result)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d, failed %d\n", result.Imported, result.Failed)
			return nil
		},
	}
}
