package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/eduabjr/cartorio-sub002/internal/capture/models"
)

type statusView struct {
	Totals models.Totals       `json:"totals"`
	Queue  []models.QueueEntry `json:"queue"`
}

func newStatusCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue totals and undelivered entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, st, err := app.openService()
			if err != nil {
				return err
			}
			defer st.Close()

			snap, err := svc.ExportAll(cmd.Context())
			if err != nil {
				return err
			}
			view := statusView{Totals: snap.Totals, Queue: snap.Queue}
			if app.jsonOutput() {
				return writeJSON(cmd.OutOrStdout(), view)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "records: %d  synced: %d  pending: %d\n",
				view.Totals.Records, view.Totals.Synced, view.Totals.Pending)
			if len(view.Queue) == 0 {
				return nil
			}
			fmt.Fprintln(out)
			return writeQueue(out, view.Queue)
		},
	}
}

func newRequeueCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <id>...",
		Short: "Reset attempts of queue entries so the next sync retries them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, st, err := app.openService()
			if err != nil {
				return err
			}
			defer st.Close()

			for _, id := range args {
				if err := svc.Requeue(cmd.Context(), id); err != nil {
					return fmt.Errorf("requeue %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", id)
			}
			return nil
		},
	}
}
