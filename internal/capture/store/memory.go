package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eduabjr/cartorio-sub002/internal/capture/models"
	"github.com/eduabjr/cartorio-sub002/pkg/platform/sentinel"
)

// InMemoryStore is a non-durable capture store for tests and dry runs.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]models.CapturedRecord
	queue   map[string]models.QueueEntry
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[string]models.CapturedRecord),
		queue:   make(map[string]models.QueueEntry),
	}
}

func (s *InMemoryStore) Insert(_ context.Context, record models.CapturedRecord, entry models.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.ID]; ok {
		return fmt.Errorf("record %s: %w", record.ID, sentinel.ErrConflict)
	}
	record.Payload = append([]byte(nil), record.Payload...)
	s.records[record.ID] = record
	s.queue[entry.ID] = entry
	return nil
}

func (s *InMemoryStore) ListRecords(_ context.Context) ([]models.CapturedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.CapturedRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, cloneRecord(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CapturedAt.Equal(out[j].CapturedAt) {
			return out[i].CapturedAt.After(out[j].CapturedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *InMemoryStore) GetRecord(_ context.Context, id string) (models.CapturedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return models.CapturedRecord{}, fmt.Errorf("record %s: %w", id, sentinel.ErrNotFound)
	}
	return cloneRecord(r), nil
}

func (s *InMemoryStore) GetEntry(_ context.Context, id string) (models.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.queue[id]
	if !ok {
		return models.QueueEntry{}, fmt.Errorf("queue entry %s: %w", id, sentinel.ErrNotFound)
	}
	return e, nil
}

func (s *InMemoryStore) ListQueue(_ context.Context) ([]models.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedQueue(func(models.QueueEntry) bool { return true }), nil
}

func (s *InMemoryStore) PendingEntries(_ context.Context) ([]models.PendingItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.sortedQueue(func(e models.QueueEntry) bool { return e.Status.Deliverable() })
	out := make([]models.PendingItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, models.PendingItem{Record: cloneRecord(s.records[e.ID]), Entry: e})
	}
	return out, nil
}

func (s *InMemoryStore) MarkSyncing(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.queue[id]
	if !ok || !e.Status.Deliverable() {
		return fmt.Errorf("queue entry %s: %w", id, sentinel.ErrInvalidState)
	}
	e.Status = models.StatusSyncing
	s.queue[id] = e
	return nil
}

func (s *InMemoryStore) ReleaseClaim(_ context.Context, id string, status models.QueueStatus) error {
	if !status.Deliverable() {
		return fmt.Errorf("release %s to %q: %w", id, status, sentinel.ErrInvalidState)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.queue[id]
	if !ok || e.Status != models.StatusSyncing {
		return fmt.Errorf("queue entry %s: %w", id, sentinel.ErrInvalidState)
	}
	e.Status = status
	s.queue[id] = e
	return nil
}

func (s *InMemoryStore) MarkSynced(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return fmt.Errorf("record %s: %w", id, sentinel.ErrNotFound)
	}
	if !r.Synced {
		at = at.UTC()
		r.Synced = true
		r.SyncedAt = &at
		s.records[id] = r
	}
	delete(s.queue, id)
	return nil
}

func (s *InMemoryStore) MarkFailed(_ context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.queue[id]
	if !ok {
		return fmt.Errorf("queue entry %s: %w", id, sentinel.ErrNotFound)
	}
	e.Status = models.StatusError
	e.Attempts++
	e.LastError = reason
	s.queue[id] = e
	return nil
}

func (s *InMemoryStore) ResetInFlight(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.queue {
		if e.Status == models.StatusSyncing {
			e.Status = models.StatusPending
			s.queue[id] = e
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) Requeue(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.queue[id]
	if !ok {
		return fmt.Errorf("queue entry %s: %w", id, sentinel.ErrNotFound)
	}
	e.Status = models.StatusPending
	e.Attempts = 0
	e.LastError = ""
	s.queue[id] = e
	return nil
}

func (s *InMemoryStore) PurgeSynced(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.records {
		if r.Synced && r.CapturedAt.Before(cutoff) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) Counts(_ context.Context) (models.Totals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var t models.Totals
	for _, r := range s.records {
		t.Records++
		if r.Synced {
			t.Synced++
		} else {
			t.Pending++
		}
	}
	return t, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}

func (s *InMemoryStore) sortedQueue(keep func(models.QueueEntry) bool) []models.QueueEntry {
	out := make([]models.QueueEntry, 0, len(s.queue))
	for _, e := range s.queue {
		if keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func cloneRecord(r models.CapturedRecord) models.CapturedRecord {
	r.Payload = append([]byte(nil), r.Payload...)
	if r.SyncedAt != nil {
		t := *r.SyncedAt
		r.SyncedAt = &t
	}
	return r
}
