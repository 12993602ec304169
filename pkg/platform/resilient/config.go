package resilient

import (
	"time"

	"github.com/eduabjr/cartorio-sub002/pkg/platform/circuit"
)

// Config holds the resilience tunables shared by every call made through a Client.
type Config struct {
	FailureThreshold int           // calls before opening
	Cooldown         time.Duration // time before probing
	RetryAttempts    int           // max attempts per call
	BackoffBase      time.Duration // initial retry delay, doubled each attempt
	CallTimeout      time.Duration // per-attempt deadline
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: circuit.DefaultFailureThreshold,
		Cooldown:         circuit.DefaultCooldown,
		RetryAttempts:    3,
		BackoffBase:      200 * time.Millisecond,
		CallTimeout:      10 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = d.RetryAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	return c
}

// BreakerOptions translates the breaker half of the config into circuit options,
// for building the Registry handed to New.
func (c Config) BreakerOptions() []circuit.Option {
	c = c.withDefaults()
	return []circuit.Option{
		circuit.WithFailureThreshold(c.FailureThreshold),
		circuit.WithCooldown(c.Cooldown),
	}
}
