// Package circuit implements per-destination circuit breakers.
//
// A Breaker moves between three states:
//
//	CLOSED    calls pass; failures are counted
//	OPEN      calls are rejected locally until the cooldown elapses
//	HALF_OPEN a single probe is let through; its outcome closes or reopens
//
// All transitions happen under the breaker's mutex, so concurrent callers
// cannot double count failures or race past the threshold check.
package circuit

import (
	"sync"
	"time"
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 30 * time.Second
)

// Clock returns the current time. Injected for tests.
type Clock func() time.Time

// StateChange reports which transition, if any, a recorded outcome caused.
type StateChange struct {
	Opened     bool
	Closed     bool
	HalfOpened bool
}

// Snapshot is a point-in-time copy of a breaker's counters.
type Snapshot struct {
	Name          string
	State         State
	FailureCount  int
	LastFailureAt time.Time
}

// Breaker guards a single destination.
type Breaker struct {
	mu sync.Mutex

	name             string
	failureThreshold int
	cooldown         time.Duration
	clock            Clock

	state         State
	failureCount  int
	lastFailureAt time.Time
	probing       bool
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithFailureThreshold sets the number of consecutive failures that opens the circuit.
func WithFailureThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithCooldown sets how long the circuit stays open before a probe is allowed.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(clock Clock) Option {
	return func(b *Breaker) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// New creates a closed breaker for the named destination.
func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:             name,
		failureThreshold: DefaultFailureThreshold,
		cooldown:         DefaultCooldown,
		clock:            time.Now,
		state:            StateClosed,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Name returns the destination name.
func (b *Breaker) Name() string {
	return b.name
}

// Allow reports whether a call may proceed. An open breaker whose cooldown
// has elapsed moves to HALF_OPEN and admits exactly one probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.clock().Sub(b.lastFailureAt) < b.cooldown {
			return false
		}
		b.state = StateHalfOpen
		b.probing = true
		return true
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return false
	}
}

// RecordSuccess closes the circuit and zeroes the failure count.
func (b *Breaker) RecordSuccess() StateChange {
	b.mu.Lock()
	defer b.mu.Unlock()

	change := StateChange{Closed: b.state != StateClosed}
	b.state = StateClosed
	b.failureCount = 0
	b.probing = false
	return change
}

// RecordFailure counts a failure. A failed probe reopens the circuit and
// restarts the cooldown.
func (b *Breaker) RecordFailure() StateChange {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureAt = b.clock()

	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.probing = false
		return StateChange{Opened: true}
	case StateClosed:
		if b.failureCount >= b.failureThreshold {
			b.state = StateOpen
			return StateChange{Opened: true}
		}
	}
	return StateChange{}
}

// Release gives back a probe slot whose call ended without an outcome, such
// as a caller cancelling mid-flight. The circuit returns to OPEN with its
// previous failure time, so the next call after the cooldown probes again.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && b.probing {
		b.state = StateOpen
		b.probing = false
	}
}

// State returns the current state without triggering the cooldown transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// IsOpen is true only in the OPEN state.
func (b *Breaker) IsOpen() bool {
	return b.State() == StateOpen
}

// Snapshot copies the breaker counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:          b.name,
		State:         b.state,
		FailureCount:  b.failureCount,
		LastFailureAt: b.lastFailureAt,
	}
}

// Reset manually closes the circuit.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failureCount = 0
	b.lastFailureAt = time.Time{}
	b.probing = false
}
