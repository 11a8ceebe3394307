package gactivate

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
)

// Config configures a [Coordinator].
// Zero-valued fields are replaced by the matching field of [DefaultConfig].
type Config struct {
	// Overall deadline of one round, measured from its start.
	RoundTimeout time.Duration

	// Upper bound passed to the transport for a single attempt.
	// Each attempt's timeout is further limited by the time left in the round.
	RequestTimeout time.Duration

	// Attempts per node per round, including the first.
	MaxAttempts int

	Backoff Backoff

	// Number of finished round outcomes kept for [Coordinator.Status].
	HistorySize int

	// Time source for deadlines and backoff.
	// Tests use [clock.NewMock].
	Clock clock.Clock
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		RoundTimeout:   5 * time.Second,
		RequestTimeout: 2 * time.Second,
		MaxAttempts:    3,
		Backoff:        DefaultBackoff(),
		HistorySize:    16,
		Clock:          clock.New(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RoundTimeout == 0 {
		c.RoundTimeout = d.RoundTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.Backoff == (Backoff{}) {
		c.Backoff = d.Backoff
	}
	if c.HistorySize == 0 {
		c.HistorySize = d.HistorySize
	}
	if c.Clock == nil {
		c.Clock = d.Clock
	}
	return c
}

func (c Config) validate() error {
	if c.RoundTimeout < 0 {
		return fmt.Errorf("round timeout must be positive (got %s)", c.RoundTimeout)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request timeout must be positive (got %s)", c.RequestTimeout)
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("max attempts must be positive (got %d)", c.MaxAttempts)
	}
	if c.HistorySize < 0 {
		return fmt.Errorf("history size must not be negative (got %d)", c.HistorySize)
	}
	if err := c.Backoff.validate(); err != nil {
		return fmt.Errorf("invalid backoff: %w", err)
	}
	return nil
}
