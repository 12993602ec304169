package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/eduabjr/cartorio-sub002/internal/capture/models"
	"github.com/eduabjr/cartorio-sub002/pkg/platform/circuit"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeRecords(w io.Writer, records []models.CapturedRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tCAPTURED\tSYNCED")
	for _, r := range records {
		synced := "no"
		if r.SyncedAt != nil {
			synced = r.SyncedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, r.Kind, r.CapturedAt.Format(time.RFC3339), synced)
	}
	return tw.Flush()
}

func writeQueue(w io.Writer, entries []models.QueueEntry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tATTEMPTS\tLAST ERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", e.ID, e.Status, e.Attempts, e.LastError)
	}
	return tw.Flush()
}

type breakerView struct {
	Destination   string     `json:"destination"`
	State         string     `json:"state"`
	Failures      int        `json:"failures"`
	LastFailureAt *time.Time `json:"lastFailureAt,omitempty"`
}

func breakerViews(snapshots []circuit.Snapshot) []breakerView {
	views := make([]breakerView, 0, len(snapshots))
	for _, s := range snapshots {
		v := breakerView{Destination: s.Name, State: s.State.String(), Failures: s.FailureCount}
		if !s.LastFailureAt.IsZero() {
			at := s.LastFailureAt
			v.LastFailureAt = &at
		}
		views = append(views, v)
	}
	return views
}
