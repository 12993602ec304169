package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/eduabjr/cartorio-sub002/internal/registry/models"
	"github.com/eduabjr/cartorio-sub002/pkg/platform/sentinel"
)

// registryStore is the behaviour shared by every repository implementation.
type registryStore interface {
	Insert(ctx context.Context, record models.Record) (bool, error)
	FindByID(ctx context.Context, id string) (models.Record, error)
	FindMany(ctx context.Context, ids []string) ([]models.Record, error)
	List(ctx context.Context, kind string, limit int) ([]models.Record, error)
	Ping(ctx context.Context) error
}

// contractSuite runs the same assertions against any registryStore. Embedding
// suites set store in SetupTest.
type contractSuite struct {
	suite.Suite
	store registryStore
}

var base = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func record(id, kind string, received time.Duration) models.Record {
	return models.Record{
		ID:         id,
		Kind:       kind,
		Payload:    json.RawMessage(`{"name":"Maria"}`),
		Digest:     "digest-" + id,
		Source:     "cartorio-sync/1.0",
		CapturedAt: base.Add(-time.Hour),
		ReceivedAt: base.Add(received),
	}
}

func (s *contractSuite) TestInsertIsIdempotentByID() {
	ctx := context.Background()

	created, err := s.store.Insert(ctx, record("desk-1", "birth", 0))
	s.Require().NoError(err)
	s.True(created)

	second := record("desk-1", "death", time.Minute)
	second.Payload = json.RawMessage(`{"name":"Other"}`)
	created, err = s.store.Insert(ctx, second)
	s.Require().NoError(err)
	s.False(created)

	found, err := s.store.FindByID(ctx, "desk-1")
	s.Require().NoError(err)
	s.Equal("birth", found.Kind)
	s.JSONEq(`{"name":"Maria"}`, string(found.Payload))
	s.Equal("digest-desk-1", found.Digest)
	s.Equal("cartorio-sync/1.0", found.Source)
	s.True(found.CapturedAt.Equal(base.Add(-time.Hour)))
	s.True(found.ReceivedAt.Equal(base))
}

func (s *contractSuite) TestFindByIDMissing() {
	_, err := s.store.FindByID(context.Background(), "missing")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *contractSuite) TestFindMany() {
	ctx := context.Background()
	for _, id := range []string{"desk-1", "desk-2", "desk-3"} {
		_, err := s.store.Insert(ctx, record(id, "birth", 0))
		s.Require().NoError(err)
	}

	s.Run("returns only known ids once", func() {
		found, err := s.store.FindMany(ctx, []string{"desk-3", "desk-1", "desk-1", "missing"})
		s.Require().NoError(err)
		ids := make([]string, 0, len(found))
		for _, r := range found {
			ids = append(ids, r.ID)
		}
		s.ElementsMatch([]string{"desk-1", "desk-3"}, ids)
	})

	s.Run("empty input", func() {
		found, err := s.store.FindMany(ctx, nil)
		s.Require().NoError(err)
		s.Empty(found)
	})
}

func (s *contractSuite) TestListNewestFirst() {
	ctx := context.Background()
	inserts := []models.Record{
		record("desk-1", "birth", 0),
		record("desk-2", "death", time.Minute),
		record("desk-3", "birth", 2*time.Minute),
		record("desk-4", "birth", 2*time.Minute),
	}
	for _, r := range inserts {
		_, err := s.store.Insert(ctx, r)
		s.Require().NoError(err)
	}

	s.Run("all kinds", func() {
		found, err := s.store.List(ctx, "", 10)
		s.Require().NoError(err)
		s.Equal([]string{"desk-4", "desk-3", "desk-2", "desk-1"}, ids(found))
	})

	s.Run("filtered and limited", func() {
		found, err := s.store.List(ctx, "birth", 2)
		s.Require().NoError(err)
		s.Equal([]string{"desk-4", "desk-3"}, ids(found))
	})

	s.Run("unknown kind", func() {
		found, err := s.store.List(ctx, "marriage", 10)
		s.Require().NoError(err)
		s.Empty(found)
	})
}

func (s *contractSuite) TestPing() {
	s.NoError(s.store.Ping(context.Background()))
}

func ids(records []models.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}
