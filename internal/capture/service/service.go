// Package service implements the capture operations used by local callers and
// by the sync engine's caller: capture, list, export, import and retention.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/eduabjr/cartorio-sub002/internal/capture/models"
	dErrors "github.com/eduabjr/cartorio-sub002/pkg/domain-errors"
	"github.com/eduabjr/cartorio-sub002/pkg/platform/sentinel"
)

// Store is the persistence port for captured records and their queue.
type Store interface {
	Insert(ctx context.Context, record models.CapturedRecord, entry models.QueueEntry) error
	ListRecords(ctx context.Context) ([]models.CapturedRecord, error)
	GetRecord(ctx context.Context, id string) (models.CapturedRecord, error)
	GetEntry(ctx context.Context, id string) (models.QueueEntry, error)
	ListQueue(ctx context.Context) ([]models.QueueEntry, error)
	Requeue(ctx context.Context, id string) error
	PurgeSynced(ctx context.Context, cutoff time.Time) (int, error)
	Counts(ctx context.Context) (models.Totals, error)
}

// Service coordinates capture operations over a Store.
type Service struct {
	store  Store
	ids    models.IDGenerator
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

func WithIDGenerator(ids models.IDGenerator) Option {
	return func(s *Service) {
		if ids != nil {
			s.ids = ids
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a capture service. The default id strategy is time plus a
// random suffix.
func New(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("capture store is required")
	}
	s := &Service{
		store:  store,
		ids:    models.TimeRandomGenerator{},
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Capture persists payload as a new unsynced record with a pending queue
// entry and returns its id. payload must be a JSON object.
func (s *Service) Capture(ctx context.Context, kind string, payload json.RawMessage) (string, error) {
	if err := validatePayload(payload); err != nil {
		return "", err
	}
	id, err := s.ids.NewID()
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "generate record id")
	}

	now := s.now().UTC()
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeValidation, "payload is not valid JSON")
	}
	record := models.CapturedRecord{
		ID:         id,
		Kind:       kind,
		Payload:    compact.Bytes(),
		CapturedAt: now,
	}
	entry := models.QueueEntry{
		ID:         id,
		EnqueuedAt: now,
		Status:     models.StatusPending,
	}
	if err := s.store.Insert(ctx, record, entry); err != nil {
		return "", translate(err, "persist captured record")
	}

	recordsCaptured.Inc()
	s.logger.DebugContext(ctx, "record captured", "record_id", id, "kind", kind)
	return id, nil
}

// List returns all records, most recently captured first.
func (s *Service) List(ctx context.Context) ([]models.CapturedRecord, error) {
	records, err := s.store.ListRecords(ctx)
	if err != nil {
		return nil, translate(err, "list records")
	}
	return records, nil
}

// RecordView is a record with its queue entry, if it still has one.
type RecordView struct {
	Record models.CapturedRecord `json:"record"`
	Entry  *models.QueueEntry    `json:"queue,omitempty"`
}

// Get returns one record and its queue entry.
func (s *Service) Get(ctx context.Context, id string) (RecordView, error) {
	record, err := s.store.GetRecord(ctx, id)
	if err != nil {
		return RecordView{}, translate(err, "get record")
	}
	view := RecordView{Record: record}
	entry, err := s.store.GetEntry(ctx, id)
	switch {
	case err == nil:
		view.Entry = &entry
	case !errors.Is(err, sentinel.ErrNotFound):
		return RecordView{}, translate(err, "get queue entry")
	}
	return view, nil
}

// Stats returns record totals.
func (s *Service) Stats(ctx context.Context) (models.Totals, error) {
	totals, err := s.store.Counts(ctx)
	if err != nil {
		return models.Totals{}, translate(err, "count records")
	}
	return totals, nil
}

// Requeue resets a queue entry's attempts so the next sync run delivers it.
func (s *Service) Requeue(ctx context.Context, id string) error {
	if err := s.store.Requeue(ctx, id); err != nil {
		return translate(err, "requeue record")
	}
	s.logger.InfoContext(ctx, "record requeued", "record_id", id)
	return nil
}

// PurgeOlderThan deletes synced records captured more than age ago and
// returns how many were deleted. Unsynced records are kept regardless of age.
func (s *Service) PurgeOlderThan(ctx context.Context, age time.Duration) (int, error) {
	if age < 0 {
		return 0, dErrors.New(dErrors.CodeValidation, "purge age must not be negative")
	}
	cutoff := s.now().Add(-age)
	n, err := s.store.PurgeSynced(ctx, cutoff)
	if err != nil {
		return 0, translate(err, "purge synced records")
	}
	s.logger.InfoContext(ctx, "purged synced records", "deleted", n, "cutoff", cutoff)
	return n, nil
}

func validatePayload(payload json.RawMessage) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return dErrors.New(dErrors.CodeValidation, "payload is required")
	}
	if trimmed[0] != '{' || !json.Valid(trimmed) {
		return dErrors.New(dErrors.CodeValidation, "payload must be a JSON object")
	}
	return nil
}

// translate maps store sentinels onto domain codes while keeping the chain
// intact for errors.Is.
func translate(err error, msg string) error {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Wrap(err, dErrors.CodeNotFound, msg)
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, msg)
	case errors.Is(err, sentinel.ErrInvalidState):
		return dErrors.Wrap(err, dErrors.CodeConflict, msg)
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, fmt.Sprintf("%s failed", msg))
	}
}

// WriteExport writes the indented snapshot document to w.
func (s *Service) WriteExport(ctx context.Context, w io.Writer) error {
	snapshot, err := s.ExportAll(ctx)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}
