package resilient

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/eduabjr/cartorio-sub002/pkg/platform/circuit"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type ClientSuite struct {
	suite.Suite
	clock    *fakeClock
	registry *circuit.Registry
	client   *Client
	cfg      Config
}

func TestClientSuite(t *testing.T) {
	suite.Run(t, new(ClientSuite))
}

func (s *ClientSuite) SetupTest() {
	s.clock = &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	s.cfg = Config{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		RetryAttempts:    3,
		BackoffBase:      time.Millisecond,
		CallTimeout:      time.Second,
	}
	s.registry = circuit.NewRegistry(append(s.cfg.BreakerOptions(), circuit.WithClock(s.clock.Now))...)

	var err error
	s.client, err = New(s.registry, WithConfig(s.cfg))
	s.Require().NoError(err)
}

func (s *ClientSuite) TestNew() {
	s.Run("nil registry returns error", func() {
		_, err := New(nil)
		s.Error(err)
		s.Contains(err.Error(), "circuit registry is required")
	})
}

func (s *ClientSuite) TestSuccessOnFirstAttempt() {
	var calls atomic.Int32
	got, err := Call(context.Background(), s.client, "registry", func(context.Context) (string, error) {
		calls.Add(1)
		return "ok", nil
	}, Options[string]{})

	s.Require().NoError(err)
	s.Equal("ok", got)
	s.Equal(int32(1), calls.Load())
}

func (s *ClientSuite) TestTransientFailuresAreRetried() {
	s.Run("eventual success", func() {
		var calls atomic.Int32
		got, err := Call(context.Background(), s.client, "flaky", func(context.Context) (int, error) {
			if calls.Add(1) < 3 {
				return 0, Transient(errors.New("connection reset"))
			}
			return 7, nil
		}, Options[int]{})

		s.Require().NoError(err)
		s.Equal(7, got)
		s.Equal(int32(3), calls.Load())
		s.Equal(0, s.registry.Get("flaky").Snapshot().FailureCount)
	})

	s.Run("exhausted retries propagate", func() {
		var calls atomic.Int32
		_, err := Call(context.Background(), s.client, "down", func(context.Context) (int, error) {
			calls.Add(1)
			return 0, errors.New("dial tcp: connection refused")
		}, Options[int]{})

		s.Require().Error(err)
		var callErr *CallError
		s.Require().ErrorAs(err, &callErr)
		s.Equal(3, callErr.Attempts)
		s.Equal("down", callErr.Destination)
		s.Equal(int32(3), calls.Load())
		s.Equal(OutcomeTransient, Classify(err))
	})

	s.Run("per call retries override", func() {
		var calls atomic.Int32
		_, err := Call(context.Background(), s.client, "override", func(context.Context) (int, error) {
			calls.Add(1)
			return 0, Transient(errors.New("timeout"))
		}, Options[int]{Retries: 1})

		s.Error(err)
		s.Equal(int32(1), calls.Load())
	})
}

func (s *ClientSuite) TestPermanentFailuresAreNotRetried() {
	var calls atomic.Int32
	_, err := Call(context.Background(), s.client, "registry", func(context.Context) (int, error) {
		calls.Add(1)
		return 0, FromStatus(422, "payload must be an object")
	}, Options[int]{Fallback: ptr(99)})

	s.Require().Error(err, "fallback never masks validation failures")
	s.Equal(int32(1), calls.Load())
	s.Equal(OutcomePermanent, Classify(err))

	var statusErr *StatusError
	s.Require().ErrorAs(err, &statusErr)
	s.Equal(422, statusErr.Code)
	s.Equal(0, s.registry.Get("registry").Snapshot().FailureCount)
}

func (s *ClientSuite) TestFallbackAfterExhaustion() {
	got, err := Call(context.Background(), s.client, "registry", func(context.Context) ([]string, error) {
		return nil, Transient(errors.New("503"))
	}, Options[[]string]{Fallback: ptr([]string{"cached-default"})})

	s.Require().NoError(err)
	s.Equal([]string{"cached-default"}, got)
}

func (s *ClientSuite) TestCircuitOpensDeterministically() {
	var calls atomic.Int32
	failing := func(context.Context) (int, error) {
		calls.Add(1)
		return 0, Transient(errors.New("boom"))
	}

	// 5 failures: threshold reached during the second call's retries.
	_, err := Call(context.Background(), s.client, "registry", failing, Options[int]{})
	s.Error(err)
	_, err = Call(context.Background(), s.client, "registry", failing, Options[int]{Retries: 2})
	s.Error(err)
	s.Equal(int32(5), calls.Load())
	s.True(s.registry.Get("registry").IsOpen())

	s.Run("rejected locally without fallback", func() {
		_, err := Call(context.Background(), s.client, "registry", failing, Options[int]{})
		s.ErrorIs(err, ErrDestinationUnavailable)
		var callErr *CallError
		s.Require().ErrorAs(err, &callErr)
		s.Equal(0, callErr.Attempts)
		s.Equal(int32(5), calls.Load())
	})

	s.Run("rejected locally with fallback", func() {
		got, err := Call(context.Background(), s.client, "registry", failing, Options[int]{Fallback: ptr(-1)})
		s.NoError(err)
		s.Equal(-1, got)
		s.Equal(int32(5), calls.Load())
	})

	s.Run("other destinations unaffected", func() {
		got, err := Call(context.Background(), s.client, "other", func(context.Context) (int, error) {
			return 1, nil
		}, Options[int]{})
		s.NoError(err)
		s.Equal(1, got)
	})

	s.Run("still rejected just before cooldown", func() {
		s.clock.Advance(29 * time.Second)
		_, err := Call(context.Background(), s.client, "registry", failing, Options[int]{})
		s.ErrorIs(err, ErrDestinationUnavailable)
		s.Equal(int32(5), calls.Load())
	})

	s.Run("probe after cooldown closes on success", func() {
		s.clock.Advance(time.Second)
		got, err := Call(context.Background(), s.client, "registry", func(context.Context) (int, error) {
			calls.Add(1)
			return 42, nil
		}, Options[int]{})
		s.NoError(err)
		s.Equal(42, got)
		s.Equal(circuit.StateClosed, s.registry.Get("registry").State())
	})
}

func (s *ClientSuite) TestFailedProbeReopens() {
	b := s.registry.Get("registry")
	for i := 0; i < s.cfg.FailureThreshold; i++ {
		b.RecordFailure()
	}
	s.clock.Advance(s.cfg.Cooldown)

	var calls atomic.Int32
	_, err := Call(context.Background(), s.client, "registry", func(context.Context) (int, error) {
		calls.Add(1)
		return 0, Transient(errors.New("still down"))
	}, Options[int]{})

	s.ErrorIs(err, ErrDestinationUnavailable, "retry after a failed probe hits the reopened circuit")
	s.Equal(int32(1), calls.Load())
	s.True(b.IsOpen())
}

func (s *ClientSuite) TestTimeoutBoundsEachAttempt() {
	start := time.Now()
	_, err := Call(context.Background(), s.client, "slow", func(context.Context) (int, error) {
		time.Sleep(time.Second)
		return 1, nil
	}, Options[int]{Retries: 1, Timeout: 20 * time.Millisecond})

	s.Require().Error(err)
	s.ErrorIs(err, context.DeadlineExceeded)
	s.Less(time.Since(start), 500*time.Millisecond)
	s.Equal(1, s.registry.Get("slow").Snapshot().FailureCount)
}

func (s *ClientSuite) TestBackoffDoublesEachAttempt() {
	client, err := New(s.registry, WithConfig(Config{
		RetryAttempts: 3,
		BackoffBase:   20 * time.Millisecond,
		CallTimeout:   time.Second,
	}))
	s.Require().NoError(err)

	start := time.Now()
	_ = client.Do(context.Background(), "backoff", func(context.Context) error {
		return Transient(errors.New("nope"))
	})
	// 20ms + 40ms between the three attempts.
	s.GreaterOrEqual(time.Since(start), 60*time.Millisecond)
}

func (s *ClientSuite) TestCancelledContextDoesNotTripBreaker() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.client.Do(ctx, "registry", func(ctx context.Context) error {
		return ctx.Err()
	})
	s.Error(err)
	s.Equal(0, s.registry.Get("registry").Snapshot().FailureCount)
}

func (s *ClientSuite) TestCancelledBeforeStartSkipsCall() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls atomic.Int32
	err := s.client.Do(ctx, "registry", func(context.Context) error {
		calls.Add(1)
		return nil
	})

	var callErr *CallError
	s.Require().ErrorAs(err, &callErr)
	s.Equal(0, callErr.Attempts)
	s.ErrorIs(err, context.Canceled)
	s.Equal(int32(0), calls.Load())
}

func (s *ClientSuite) TestCancelledProbeReleasesHalfOpenCircuit() {
	cfg := s.cfg
	cfg.FailureThreshold = 1
	cfg.Cooldown = time.Second
	cfg.RetryAttempts = 1
	registry := circuit.NewRegistry(append(cfg.BreakerOptions(), circuit.WithClock(s.clock.Now))...)
	client, err := New(registry, WithConfig(cfg))
	s.Require().NoError(err)

	_ = client.Do(context.Background(), "registry", func(context.Context) error {
		return Transient(errors.New("connection refused"))
	})
	s.Require().True(registry.Get("registry").IsOpen())

	s.clock.Advance(2 * time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	err = client.Do(ctx, "registry", func(context.Context) error {
		cancel()
		return nil
	})
	s.ErrorIs(err, context.Canceled)
	s.Equal(circuit.StateOpen, registry.Get("registry").State())

	s.clock.Advance(time.Hour)
	var calls atomic.Int32
	err = client.Do(context.Background(), "registry", func(context.Context) error {
		calls.Add(1)
		return nil
	})
	s.Require().NoError(err)
	s.Equal(int32(1), calls.Load())
	s.Equal(circuit.StateClosed, registry.Get("registry").State())
}

func (s *ClientSuite) TestClientsShareRegistryState() {
	other, err := New(s.registry, WithConfig(s.cfg))
	s.Require().NoError(err)

	for i := 0; i < 2; i++ {
		_ = s.client.Do(context.Background(), "shared", func(context.Context) error {
			return Transient(errors.New("x"))
		})
	}
	s.True(other.Breakers().Get("shared").IsOpen())
}

func ptr[T any](v T) *T {
	return &v
}
