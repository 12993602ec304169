// Package syncengine drains the capture queue into the remote registry.
//
// The engine never schedules itself. Callers trigger RunOnce manually or from
// their own timer; each run is a single pass over the deliverable entries.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/eduabjr/cartorio-sub002/internal/capture/models"
	"github.com/eduabjr/cartorio-sub002/pkg/platform/resilient"
	"github.com/eduabjr/cartorio-sub002/pkg/platform/sentinel"
)

// DefaultDestination is the circuit name used for the remote registry.
const DefaultDestination = "registry"

// Sender delivers one record to the remote registry. Implementations must be
// safe to call again for a record that was already accepted; the remote side
// treats a duplicate id as a no-op.
type Sender interface {
	Accept(ctx context.Context, record models.CapturedRecord) error
}

// QueueStore is the part of the capture store the engine needs.
type QueueStore interface {
	ResetInFlight(ctx context.Context) (int, error)
	PendingEntries(ctx context.Context) ([]models.PendingItem, error)
	MarkSyncing(ctx context.Context, id string) error
	ReleaseClaim(ctx context.Context, id string, status models.QueueStatus) error
	MarkSynced(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, reason string) error
}

// Policy bounds how often a failing entry is retried across runs.
type Policy struct {
	// MaxAttempts is the number of failed deliveries after which an entry is
	// left in the queue untouched until requeued. Zero retries forever.
	MaxAttempts int
}

func (p Policy) exhausted(entry models.QueueEntry) bool {
	return p.MaxAttempts > 0 && entry.Attempts >= p.MaxAttempts
}

// Result counts the outcome of one run.
type Result struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Engine delivers queued records through a resilient client.
type Engine struct {
	store       QueueStore
	sender      Sender
	client      *resilient.Client
	destination string
	workers     int
	policy      Policy
	limiter     *rate.Limiter
	now         func() time.Time
	logger      *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorkers bounds concurrent deliveries. Values below 1 mean sequential.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

func WithPolicy(p Policy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithRateLimit paces deliveries to at most perSecond, with the given burst.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(e *Engine) {
		if perSecond > 0 {
			if burst < 1 {
				burst = 1
			}
			e.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

func WithDestination(name string) Option {
	return func(e *Engine) {
		if name != "" {
			e.destination = name
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates an engine. All three collaborators are required.
func New(store QueueStore, sender Sender, client *resilient.Client, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("queue store is required")
	}
	if sender == nil {
		return nil, errors.New("sender is required")
	}
	if client == nil {
		return nil, errors.New("resilient client is required")
	}
	e := &Engine{
		store:       store,
		sender:      sender,
		client:      client,
		destination: DefaultDestination,
		workers:     1,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// RunOnce attempts delivery of every pending or errored entry. Per-entry
// failures are recorded on the entry and counted; the returned error is
// reserved for being unable to read the queue at all.
func (e *Engine) RunOnce(ctx context.Context) (Result, error) {
	start := time.Now()

	reset, err := e.store.ResetInFlight(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("reset in-flight entries: %w", err)
	}
	if reset > 0 {
		e.logger.WarnContext(ctx, "recovered entries left in syncing", "count", reset)
	}

	items, err := e.store.PendingEntries(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("read sync queue: %w", err)
	}
	queueDepth.Set(float64(len(items)))

	var (
		mu     sync.Mutex
		result Result
	)
	count := func(o outcome) {
		mu.Lock()
		defer mu.Unlock()
		switch o {
		case outcomeSucceeded:
			result.Succeeded++
		case outcomeFailed:
			result.Failed++
		case outcomeSkipped:
			result.Skipped++
		}
		deliveriesTotal.WithLabelValues(o.String()).Inc()
	}

	var g errgroup.Group
	g.SetLimit(e.workers)
	for _, item := range items {
		if e.policy.exhausted(item.Entry) {
			count(outcomeSkipped)
			continue
		}
		g.Go(func() error {
			count(e.deliver(ctx, item))
			return nil
		})
	}
	_ = g.Wait()

	runDuration.Observe(time.Since(start).Seconds())
	e.logger.InfoContext(ctx, "sync run finished",
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeFailed
	outcomeSkipped
)

func (o outcome) String() string {
	switch o {
	case outcomeSucceeded:
		return "succeeded"
	case outcomeFailed:
		return "failed"
	default:
		return "skipped"
	}
}

func (e *Engine) deliver(ctx context.Context, item models.PendingItem) outcome {
	id := item.Record.ID
	if ctx.Err() != nil {
		return outcomeSkipped
	}
	// Bookkeeping must land even when the run's context is cancelled mid-flight.
	bookkeeping := context.WithoutCancel(ctx)

	if err := e.store.MarkSyncing(bookkeeping, id); err != nil {
		if errors.Is(err, sentinel.ErrInvalidState) {
			return outcomeSkipped
		}
		e.logger.ErrorContext(ctx, "claim queue entry failed", "record_id", id, "error", err)
		return outcomeFailed
	}

	var err error
	if e.limiter != nil {
		err = e.limiter.Wait(ctx)
	}
	if err == nil {
		err = e.client.Do(ctx, e.destination, func(ctx context.Context) error {
			return e.sender.Accept(ctx, item.Record)
		})
	}
	if err != nil && ctx.Err() != nil {
		// The run was cancelled, not the delivery refused: hand the entry back
		// untouched so attempts only counts real failures.
		if relErr := e.store.ReleaseClaim(bookkeeping, id, item.Entry.Status); relErr != nil {
			e.logger.ErrorContext(ctx, "release queue entry failed", "record_id", id, "error", relErr)
		}
		return outcomeSkipped
	}
	if err != nil {
		if markErr := e.store.MarkFailed(bookkeeping, id, err.Error()); markErr != nil {
			e.logger.ErrorContext(ctx, "record delivery failure not persisted",
				"record_id", id,
				"error", markErr,
			)
		}
		e.logger.WarnContext(ctx, "record delivery failed",
			"record_id", id,
			"attempt", item.Entry.Attempts+1,
			"error", err,
		)
		return outcomeFailed
	}

	if err := e.store.MarkSynced(bookkeeping, id, e.now()); err != nil {
		// Delivered but not flagged: the next run redelivers, which the
		// registry treats as a no-op.
		_ = e.store.MarkFailed(bookkeeping, id, err.Error())
		e.logger.ErrorContext(ctx, "mark synced failed", "record_id", id, "error", err)
		return outcomeFailed
	}
	return outcomeSucceeded
}
