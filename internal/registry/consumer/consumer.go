// Package consumer feeds accept-record messages from Kafka into the registry.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/eduabjr/cartorio-sub002/internal/registry/models"
	dErrors "github.com/eduabjr/cartorio-sub002/pkg/domain-errors"
	"github.com/eduabjr/cartorio-sub002/pkg/requestcontext"
)

const headerUserAgent = "user-agent"

// Client is the subset of *kgo.Client the consumer drives. The client must be
// created with kgo.DisableAutoCommit so offsets only advance after handling.
type Client interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitUncommittedOffsets(ctx context.Context) error
}

// Acceptor is the registry operation each message is replayed through.
type Acceptor interface {
	Accept(ctx context.Context, req models.AcceptRequest) (models.AcceptResult, error)
}

// Consumer polls records, accepts each one and commits once the whole poll
// has been handled. Malformed or invalid messages are logged and skipped.
// Storage outages are retried until they clear or the context ends, so an
// offset is never committed for a message that was not stored.
type Consumer struct {
	client     Client
	acceptor   Acceptor
	logger     *slog.Logger
	newBackOff func() backoff.BackOff
}

type Option func(*Consumer)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithRetryInterval bounds the wait between retries of an unavailable registry.
func WithRetryInterval(initial, maxInterval time.Duration) Option {
	return func(c *Consumer) {
		c.newBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = initial
			b.MaxInterval = maxInterval
			b.MaxElapsedTime = 0
			return b
		}
	}
}

func New(client Client, acceptor Acceptor, opts ...Option) (*Consumer, error) {
	if client == nil {
		return nil, errors.New("kafka client is required")
	}
	if acceptor == nil {
		return nil, errors.New("acceptor is required")
	}
	c := &Consumer{
		client:   client,
		acceptor: acceptor,
		logger:   slog.Default(),
	}
	WithRetryInterval(500*time.Millisecond, 30*time.Second)(c)
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run consumes until ctx ends or the client is closed.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.WarnContext(ctx, "kafka fetch failed",
				"topic", topic,
				"partition", partition,
				"error", err,
			)
		})

		handled := 0
		iter := fetches.RecordIter()
		for !iter.Done() {
			if err := c.handle(ctx, iter.Next()); err != nil {
				return err
			}
			handled++
		}
		if handled == 0 {
			continue
		}
		if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
			// Uncommitted messages are redelivered and deduplicated by id.
			c.logger.WarnContext(ctx, "kafka commit failed", "error", err)
		}
	}
}

// handle returns an error only when ctx ends while the registry is unavailable.
func (c *Consumer) handle(ctx context.Context, rec *kgo.Record) error {
	ctx = requestcontext.WithRequestID(ctx, uuid.NewString())
	ctx = requestcontext.WithClientMetadata(ctx, "", headerValue(rec, headerUserAgent))

	var req models.AcceptRequest
	if err := json.Unmarshal(rec.Value, &req); err != nil {
		consumedTotal.WithLabelValues("malformed").Inc()
		c.logger.WarnContext(ctx, "skipping malformed message",
			"topic", rec.Topic,
			"partition", rec.Partition,
			"offset", rec.Offset,
			"error", err,
		)
		return nil
	}
	if err := req.Validate(); err != nil {
		consumedTotal.WithLabelValues("invalid").Inc()
		c.logger.WarnContext(ctx, "skipping invalid message",
			"record_id", req.ID,
			"offset", rec.Offset,
			"error", err,
		)
		return nil
	}

	op := func() error {
		_, err := c.acceptor.Accept(ctx, req)
		if err != nil && (dErrors.HasCode(err, dErrors.CodeValidation) || dErrors.HasCode(err, dErrors.CodeBadRequest)) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		consumedTotal.WithLabelValues("retried").Inc()
		c.logger.WarnContext(ctx, "registry unavailable, retrying message",
			"record_id", req.ID,
			"wait", wait,
			"error", err,
		)
	}
	err := backoff.RetryNotify(op, backoff.WithContext(c.newBackOff(), ctx), notify)
	switch {
	case err == nil:
		consumedTotal.WithLabelValues("accepted").Inc()
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		consumedTotal.WithLabelValues("invalid").Inc()
		c.logger.WarnContext(ctx, "skipping rejected message",
			"record_id", req.ID,
			"error", err,
		)
		return nil
	}
}

func headerValue(rec *kgo.Record, key string) string {
	for _, h := range rec.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
