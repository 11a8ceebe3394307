package gactivate

import (
	"fmt"
	"math/bits"
	"time"
)

// Backoff is a capped exponential delay between attempts to the same node.
type Backoff struct {
	// Delay after the first failed attempt.
	Initial time.Duration `yaml:"initial"`

	// Upper bound for any single delay.
	Max time.Duration `yaml:"max"`

	// Growth factor per attempt. 1 gives a constant delay.
	Multiplier float64 `yaml:"multiplier"`
}

// DefaultBackoff returns the backoff used by [DefaultConfig].
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    50 * time.Millisecond,
		Max:        time.Second,
		Multiplier: 2,
	}
}

func (b Backoff) validate() error {
	if b.Initial <= 0 {
		return fmt.Errorf("backoff initial delay must be positive (got %s)", b.Initial)
	}
	if b.Max < b.Initial {
		return fmt.Errorf("backoff max delay %s is less than initial delay %s", b.Max, b.Initial)
	}
	if b.Multiplier < 1 {
		return fmt.Errorf("backoff multiplier must be at least 1 (got %v)", b.Multiplier)
	}
	return nil
}

// Delay returns how long to wait before the attempt following failedAttempt.
// failedAttempt is 1-based.
func (b Backoff) Delay(failedAttempt int) time.Duration {
	d := float64(b.Initial)
	for i := 1; i < failedAttempt; i++ {
		d *= b.Multiplier
		if d >= float64(b.Max) {
			return b.Max
		}
	}
	return min(time.Duration(d), b.Max)
}

// shouldWarn reports whether a failure on the given attempt
// deserves a warning rather than a debug log.
// Warnings get sparser as a node keeps failing:
// attempts 1, 2, 4, 8, and so on.
func shouldWarn(attempt int) bool {
	return attempt > 0 && bits.OnesCount(uint(attempt)) == 1
}
