package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

func newCaptureCommand(app *App) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "capture [payload-json | -]",
		Short: "Capture a record locally and queue it for delivery",
		Long:  "Stores a JSON object payload in the local database and queues it for the next sync. Reads the payload from stdin when the argument is '-' or omitted.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(cmd, args)
			if err != nil {
				return err
			}
			svc, st, err := app.openService()
			if err != nil {
				return err
			}
			defer st.Close()

			id, err := svc.Capture(cmd.Context(), kind, payload)
			if err != nil {
				return err
			}
			if app.jsonOutput() {
				return writeJSON(cmd.OutOrStdout(), map[string]string{"id": id})
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", "", "record kind, e.g. birth or death")
	return cmd
}

func readPayload(cmd *cobra.Command, args []string) (json.RawMessage, error) {
	if len(args) == 1 && args[0] != "-" {
		return json.RawMessage(args[0]), nil
	}
	body, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return body, nil
}

func newListCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List captured records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, st, err := app.openService()
			if err != nil {
				return err
			}
			defer st.Close()

			records, err := svc.List(cmd.Context())
			if err != nil {
				return err
			}
			if app.jsonOutput() {
				return writeJSON(cmd.OutOrStdout(), records)
			}
			return writeRecords(cmd.OutOrStdout(), records)
		},
	}
}

func newShowCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one record and its queue entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, st, err := app.openService()
			if err != nil {
				return err
			}
			defer st.Close()

			view, err := svc.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), view)
		},
	}
}

func newPurgeCommand(app *App) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete synced records older than a given age",
		Long:  "Deletes records that were delivered and were captured before now minus --older-than. Records still waiting for delivery are never deleted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, st, err := app.openService()
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := svc.PurgeOlderThan(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			if app.jsonOutput() {
				return writeJSON(cmd.OutOrStdout(), map[string]int{"deleted": n})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d synced record(s)\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "minimum age of the synced records to delete")
	return cmd
}
