package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/eduabjr/cartorio-sub002/internal/registry/models"
	"github.com/eduabjr/cartorio-sub002/pkg/platform/sentinel"
)

// InMemoryStore keeps registry records in a map. Used by tests and by the
// server when no database is configured.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]models.Record
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]models.Record)}
}

func (s *InMemoryStore) Insert(_ context.Context, record models.Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.ID]; ok {
		return false, nil
	}
	record.Payload = append([]byte(nil), record.Payload...)
	s.records[record.ID] = record
	return true, nil
}

func (s *InMemoryStore) FindByID(_ context.Context, id string) (models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	if !ok {
		return models.Record{}, fmt.Errorf("registry record %s: %w", id, sentinel.ErrNotFound)
	}
	return record, nil
}

func (s *InMemoryStore) FindMany(_ context.Context, ids []string) ([]models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Record
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if record, ok := s.records[id]; ok {
			out = append(out, record)
		}
	}
	return out, nil
}

func (s *InMemoryStore) List(_ context.Context, kind string, limit int) ([]models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Record, 0, len(s.records))
	for _, record := range s.records {
		if kind == "" || record.Kind == kind {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.After(out[j].ReceivedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) Ping(context.Context) error {
	return nil
}
