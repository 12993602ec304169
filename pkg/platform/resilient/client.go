// Package resilient wraps outbound calls with retry, exponential backoff,
// per-attempt timeouts, a per-destination circuit breaker and optional
// static fallbacks.
package resilient

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/eduabjr/cartorio-sub002/pkg/platform/circuit"
)

const tracerName = "github.com/eduabjr/cartorio-sub002/pkg/platform/resilient"

// Client executes calls against named destinations. Breaker state lives in the
// injected registry, so clients sharing a registry share circuit state.
type Client struct {
	breakers *circuit.Registry
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithConfig overrides retry and timeout tunables. Breaker tunables belong to the registry.
func WithConfig(cfg Config) Option {
	return func(c *Client) {
		c.cfg = cfg.withDefaults()
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(c *Client) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// New creates a Client backed by breakers.
func New(breakers *circuit.Registry, opts ...Option) (*Client, error) {
	if breakers == nil {
		return nil, errors.New("circuit registry is required")
	}
	c := &Client{
		breakers: breakers,
		cfg:      DefaultConfig(),
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Breakers exposes the registry for status reporting and manual resets.
func (c *Client) Breakers() *circuit.Registry {
	return c.breakers
}

// Options are per-call overrides. Zero values use the client config.
type Options[T any] struct {
	Retries  int
	Timeout  time.Duration
	Fallback *T
}

// Do runs fn through Call for operations without a result.
func (c *Client) Do(ctx context.Context, destination string, fn func(context.Context) error) error {
	_, err := Call(ctx, c, destination, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, Options[struct{}]{})
	return err
}

type attemptResult[T any] struct {
	value T
	err   error
}

// Call runs fn against destination. While the destination's circuit is open,
// fn is not invoked and the fallback (or ErrDestinationUnavailable) is returned.
// Transient failures are retried up to Retries attempts with exponential
// backoff; permanent failures return immediately. When retries are exhausted
// or the circuit opens, a supplied fallback replaces the error.
func Call[T any](ctx context.Context, c *Client, destination string, fn func(context.Context) (T, error), opts Options[T]) (T, error) {
	var zero T
	attempts := c.cfg.RetryAttempts
	if opts.Retries > 0 {
		attempts = opts.Retries
	}
	timeout := c.cfg.CallTimeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	ctx, span := c.tracer.Start(ctx, "resilient.call", trace.WithAttributes(
		attribute.String("destination", destination),
	))
	defer span.End()

	breaker := c.breakers.Get(destination)
	tries := 0

	operation := func() (T, error) {
		if err := ctx.Err(); err != nil {
			return zero, backoff.Permanent(err)
		}
		if !breaker.Allow() {
			observeState(breaker)
			return zero, backoff.Permanent(ErrDestinationUnavailable)
		}
		tries++
		value, err := runAttempt(ctx, fn, timeout)
		if ctx.Err() != nil {
			// Caller gave up; the destination is not to blame.
			breaker.Release()
			return zero, backoff.Permanent(ctx.Err())
		}
		outcome := Classify(err)
		attemptsTotal.WithLabelValues(destination, outcome.String()).Inc()
		switch outcome {
		case OutcomeSuccess:
			c.recordSuccess(breaker)
			return value, nil
		case OutcomePermanent:
			// The destination answered; a rejected payload says nothing about its health.
			c.recordSuccess(breaker)
			return zero, backoff.Permanent(err)
		default:
			c.recordFailure(breaker, err)
			return zero, err
		}
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(c.schedule(attempts), uint64(attempts-1)), ctx)
	value, err := backoff.RetryNotifyWithData[T](operation, policy, func(err error, next time.Duration) {
		c.logger.DebugContext(ctx, "retrying call",
			"destination", destination,
			"attempt", tries,
			"next_in", next,
			"error", err,
		)
	})
	span.SetAttributes(attribute.Int("attempts", tries))

	if err == nil {
		callsTotal.WithLabelValues(destination, "success").Inc()
		return value, nil
	}

	rejected := errors.Is(err, ErrDestinationUnavailable)
	if opts.Fallback != nil && ctx.Err() == nil && (rejected || Classify(err) == OutcomeTransient) {
		callsTotal.WithLabelValues(destination, "fallback").Inc()
		span.SetAttributes(attribute.Bool("fallback", true))
		return *opts.Fallback, nil
	}

	if rejected {
		callsTotal.WithLabelValues(destination, "rejected").Inc()
	} else {
		callsTotal.WithLabelValues(destination, "error").Inc()
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return zero, &CallError{Destination: destination, Attempts: tries, Err: err}
}

// runAttempt bounds fn by timeout even if fn ignores its context.
func runAttempt[T any](ctx context.Context, fn func(context.Context) (T, error), timeout time.Duration) (T, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan attemptResult[T], 1)
	go func() {
		value, err := fn(attemptCtx)
		done <- attemptResult[T]{value: value, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-attemptCtx.Done():
		var zero T
		return zero, Transient(attemptCtx.Err())
	}
}

func (c *Client) schedule(attempts int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.BackoffBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = c.cfg.BackoffBase << uint(attempts)
	b.MaxElapsedTime = 0
	return b
}

func (c *Client) recordSuccess(b *circuit.Breaker) {
	if change := b.RecordSuccess(); change.Closed {
		c.logger.Info("circuit closed", "destination", b.Name())
	}
	observeState(b)
}

func (c *Client) recordFailure(b *circuit.Breaker, err error) {
	if change := b.RecordFailure(); change.Opened {
		c.logger.Warn("circuit opened",
			"destination", b.Name(),
			"failures", b.Snapshot().FailureCount,
			"error", err,
		)
	}
	observeState(b)
}
