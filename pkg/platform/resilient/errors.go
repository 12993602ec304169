package resilient

import (
	"errors"
	"fmt"
	"net/http"
)

// Outcome is the classified result of a single attempt.
type Outcome int

const (
	// OutcomeSuccess means the attempt completed.
	OutcomeSuccess Outcome = iota
	// OutcomeTransient covers timeouts, connection errors and 5xx-equivalents. Retried.
	OutcomeTransient
	// OutcomePermanent covers validation-type failures. Never retried.
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient"
	case OutcomePermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// ErrDestinationUnavailable is returned without any network attempt while the
// destination's circuit is open and no fallback was supplied.
var ErrDestinationUnavailable = errors.New("destination unavailable: circuit open")

type outcomeError struct {
	outcome Outcome
	err     error
}

func (e *outcomeError) Error() string { return e.err.Error() }
func (e *outcomeError) Unwrap() error { return e.err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &outcomeError{outcome: OutcomeTransient, err: err}
}

// Permanent marks err as a validation-type failure that must not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &outcomeError{outcome: OutcomePermanent, err: err}
}

// Classify maps an attempt error to an Outcome. Errors not explicitly marked
// are treated as transient; transports mark validation failures Permanent.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	var oe *outcomeError
	if errors.As(err, &oe) {
		return oe.outcome
	}
	if errors.Is(err, ErrDestinationUnavailable) {
		return OutcomePermanent
	}
	return OutcomeTransient
}

// StatusError is a non-2xx response from an HTTP destination.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
	}
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// FromStatus wraps a non-2xx HTTP status with the right outcome:
// 408, 429 and 5xx are transient, any other 4xx is permanent.
func FromStatus(code int, body string) error {
	err := &StatusError{Code: code, Body: body}
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return Transient(err)
	default:
		return Permanent(err)
	}
}

// CallError is returned when a call neither succeeded nor fell back.
type CallError struct {
	Destination string
	Attempts    int
	Err         error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("call %s failed after %d attempt(s): %v", e.Destination, e.Attempts, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}
