package service

import (
	"context"
	"encoding/json"
	"io"
	"slices"
	"time"

	"github.com/eduabjr/cartorio-sub002/internal/capture/models"
	dErrors "github.com/eduabjr/cartorio-sub002/pkg/domain-errors"
)

// ExportAll returns every record and queue entry with summary totals.
func (s *Service) ExportAll(ctx context.Context) (*models.Snapshot, error) {
	records, err := s.store.ListRecords(ctx)
	if err != nil {
		return nil, translate(err, "export records")
	}
	queue, err := s.store.ListQueue(ctx)
	if err != nil {
		return nil, translate(err, "export queue")
	}

	snapshot := &models.Snapshot{
		Version:   models.SnapshotVersion,
		Timestamp: s.now().UTC(),
		Records:   records,
		Queue:     queue,
	}
	if snapshot.Records == nil {
		snapshot.Records = []models.CapturedRecord{}
	}
	if snapshot.Queue == nil {
		snapshot.Queue = []models.QueueEntry{}
	}
	for _, r := range records {
		snapshot.Totals.Records++
		if r.Synced {
			snapshot.Totals.Synced++
		} else {
			snapshot.Totals.Pending++
		}
	}
	return snapshot, nil
}

// ImportResult reports a best-effort import.
type ImportResult struct {
	Imported int `json:"imported"`
	Failed   int `json:"failed"`
}

type importEnvelope struct {
	Version int             `json:"version"`
	Records json.RawMessage `json:"records"`
}

type importRecord struct {
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	CapturedAt time.Time       `json:"capturedAt"`
	index      int
}

// replayOrder puts records oldest first so fresh capture times keep the
// snapshot's relative order. Exports list newest first, so without
// timestamps the document order is reversed.
func replayOrder(records []importRecord) {
	slices.Reverse(records)
	for _, r := range records {
		if r.CapturedAt.IsZero() {
			return
		}
	}
	slices.SortStableFunc(records, func(a, b importRecord) int {
		return a.CapturedAt.Compare(b.CapturedAt)
	})
}

// ImportAll replays each record of a snapshot through Capture, oldest first.
// Records that cannot be parsed or persisted are counted as failed and the
// rest continue. Only an unreadable document fails the whole call.
func (s *Service) ImportAll(ctx context.Context, r io.Reader) (ImportResult, error) {
	var envelope importEnvelope
	if err := json.NewDecoder(r).Decode(&envelope); err != nil {
		return ImportResult{}, dErrors.Wrap(err, dErrors.CodeValidation, "snapshot is not a JSON object")
	}
	if len(envelope.Records) == 0 || string(envelope.Records) == "null" {
		return ImportResult{}, dErrors.New(dErrors.CodeValidation, "snapshot has no records array")
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(envelope.Records, &raw); err != nil {
		return ImportResult{}, dErrors.Wrap(err, dErrors.CodeValidation, "snapshot records is not an array")
	}

	var (
		result  ImportResult
		records = make([]importRecord, 0, len(raw))
	)
	for i, item := range raw {
		var rec importRecord
		if err := json.Unmarshal(item, &rec); err != nil {
			result.Failed++
			s.logger.WarnContext(ctx, "skipping unreadable snapshot record", "index", i, "error", err)
			continue
		}
		rec.index = i
		records = append(records, rec)
	}
	replayOrder(records)

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if _, err := s.Capture(ctx, rec.Kind, rec.Payload); err != nil {
			result.Failed++
			s.logger.WarnContext(ctx, "skipping snapshot record", "index", rec.index, "error", err)
			continue
		}
		result.Imported++
	}

	recordsImported.Add(float64(result.Imported))
	importFailures.Add(float64(result.Failed))
	s.logger.InfoContext(ctx, "snapshot imported",
		"version", envelope.Version,
		"imported", result.Imported,
		"failed", result.Failed,
	)
	return result, nil
}
