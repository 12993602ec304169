// Package service implements the registry side of the accept-record
// operation and the cached read paths in front of the repository.
package service

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mssola/useragent"
	"golang.org/x/crypto/blake2b"

	"github.com/eduabjr/cartorio-sub002/internal/cache"
	"github.com/eduabjr/cartorio-sub002/internal/registry/models"
	dErrors "github.com/eduabjr/cartorio-sub002/pkg/domain-errors"
	"github.com/eduabjr/cartorio-sub002/pkg/platform/sentinel"
	"github.com/eduabjr/cartorio-sub002/pkg/requestcontext"
)

const (
	DefaultCacheTTL  = 5 * time.Minute
	DefaultListLimit = 50
	MaxListLimit     = 500

	// recordsPattern matches every cached read, so any write invalidates them all.
	recordsPattern = "records:*"
)

// Store is the registry repository.
type Store interface {
	Insert(ctx context.Context, record models.Record) (bool, error)
	FindByID(ctx context.Context, id string) (models.Record, error)
	FindMany(ctx context.Context, ids []string) ([]models.Record, error)
	List(ctx context.Context, kind string, limit int) ([]models.Record, error)
}

// Service accepts records idempotently and serves reads through the cache.
type Service struct {
	store    Store
	cache    *cache.Cache
	cacheTTL time.Duration
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithCache puts c in front of the read paths. Without it reads always hit
// the store.
func WithCache(c *cache.Cache, ttl time.Duration) Option {
	return func(s *Service) {
		if c != nil {
			s.cache = c
		}
		if ttl > 0 {
			s.cacheTTL = ttl
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

func New(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("registry store is required")
	}
	s := &Service{
		store:    store,
		cacheTTL: DefaultCacheTTL,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.cache == nil {
		s.cache = cache.New(nil)
	}
	return s, nil
}

// Accept stores the record unless its id is already known. Redelivery of a
// known id is a no-op that still succeeds; a redelivery whose payload differs
// from the stored one is logged and counted but not applied.
func (s *Service) Accept(ctx context.Context, req models.AcceptRequest) (models.AcceptResult, error) {
	if err := req.Validate(); err != nil {
		return models.AcceptResult{}, err
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, req.Payload); err != nil {
		return models.AcceptResult{}, dErrors.Wrap(err, dErrors.CodeValidation, "payload must be a JSON object")
	}
	record := models.Record{
		ID:         req.ID,
		Kind:       req.Kind,
		Payload:    compact.Bytes(),
		CapturedAt: req.CapturedAt.UTC(),
		ReceivedAt: requestcontext.Now(ctx).UTC(),
		Source:     clientName(requestcontext.UserAgent(ctx)),
		Digest:     digest(compact.Bytes()),
	}

	created, err := s.store.Insert(ctx, record)
	if err != nil {
		return models.AcceptResult{}, translate(err, "store record")
	}

	if !created {
		acceptedTotal.WithLabelValues("duplicate").Inc()
		s.checkRedelivery(ctx, record)
		return models.AcceptResult{ID: record.ID, Created: false}, nil
	}

	acceptedTotal.WithLabelValues("created").Inc()
	removed := s.cache.InvalidatePattern(ctx, recordsPattern)
	s.logger.InfoContext(ctx, "record accepted",
		"record_id", record.ID,
		"kind", record.Kind,
		"source", record.Source,
		"request_id", requestcontext.RequestID(ctx),
		"invalidated", removed,
	)
	return models.AcceptResult{ID: record.ID, Created: true}, nil
}

func (s *Service) checkRedelivery(ctx context.Context, incoming models.Record) {
	existing, err := s.store.FindByID(ctx, incoming.ID)
	if err != nil {
		s.logger.WarnContext(ctx, "could not compare redelivered record", "record_id", incoming.ID, "error", err)
		return
	}
	if existing.Digest != incoming.Digest {
		conflictingRedeliveries.Inc()
		s.logger.WarnContext(ctx, "redelivered record differs from stored payload; keeping stored",
			"record_id", incoming.ID,
			"source", incoming.Source,
		)
	}
}

// Get returns one record, served from cache when possible.
func (s *Service) Get(ctx context.Context, id string) (models.Record, error) {
	if id == "" {
		return models.Record{}, dErrors.New(dErrors.CodeValidation, "id is required")
	}
	record, err := cache.RememberJSON(ctx, s.cache, "records:id:"+id, s.cacheTTL, func(ctx context.Context) (models.Record, error) {
		return s.store.FindByID(ctx, id)
	})
	if err != nil {
		return models.Record{}, translate(err, "get record")
	}
	return record, nil
}

// List returns the newest records, optionally of one kind. limit is clamped
// to [1, MaxListLimit] with DefaultListLimit for zero.
func (s *Service) List(ctx context.Context, kind string, limit int) ([]models.Record, error) {
	switch {
	case limit < 0:
		return nil, dErrors.New(dErrors.CodeValidation, "limit must not be negative")
	case limit == 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}
	key := fmt.Sprintf("records:list:%s:%d", kind, limit)
	records, err := cache.RememberJSON(ctx, s.cache, key, s.cacheTTL, func(ctx context.Context) ([]models.Record, error) {
		records, err := s.store.List(ctx, kind, limit)
		if records == nil {
			records = []models.Record{}
		}
		return records, err
	})
	if err != nil {
		return nil, translate(err, "list records")
	}
	return records, nil
}

// GetMany returns the known records among ids straight from the store.
func (s *Service) GetMany(ctx context.Context, ids []string) ([]models.Record, error) {
	if len(ids) > MaxListLimit {
		return nil, dErrors.New(dErrors.CodeValidation, "too many ids")
	}
	records, err := s.store.FindMany(ctx, ids)
	if err != nil {
		return nil, translate(err, "get records")
	}
	if records == nil {
		records = []models.Record{}
	}
	return records, nil
}

// InvalidateCache drops cached reads matching pattern and returns how many
// entries were removed.
func (s *Service) InvalidateCache(ctx context.Context, pattern string) int {
	if pattern == "" {
		pattern = recordsPattern
	}
	return s.cache.InvalidatePattern(ctx, pattern)
}

func translate(err error, msg string) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.Wrap(err, dErrors.CodeNotFound, "record not found")
	}
	if errors.Is(err, sentinel.ErrUnavailable) {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, msg+" failed")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, msg+" failed")
}

func digest(payload []byte) string {
	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// clientName reduces a User-Agent to its product, e.g. "Chrome/120.0.0.0".
// Non-browser agents such as sync clients are reported by their product name.
func clientName(ua string) string {
	if ua == "" {
		return ""
	}
	name, version := useragent.New(ua).Browser()
	if name == "" {
		return ""
	}
	if version == "" {
		return name
	}
	return name + "/" + version
}
