package poll

import (
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff selects how the delay grows between attempts.
type Backoff string

const (
	// BackoffConstant waits Delay between every pair of attempts.
	BackoffConstant Backoff = "constant"

	// BackoffExponential multiplies the delay by Multiplier after each
	// attempt, capped at MaxDelay.
	BackoffExponential Backoff = "exponential"
)

// RetryPolicy bounds a readiness poll.
type RetryPolicy struct {
	// MaxAttempts is the number of requests issued at most. Values below 1
	// are treated as 1.
	MaxAttempts int `yaml:"max_attempts" toml:"max_attempts" json:"max_attempts"`

	// Delay is the wait between attempts. There is no wait after the last
	// attempt.
	Delay time.Duration `yaml:"delay" toml:"delay" json:"delay"`

	Backoff    Backoff       `yaml:"backoff" toml:"backoff" json:"backoff"`
	Multiplier float64       `yaml:"multiplier" toml:"multiplier" json:"multiplier"`
	MaxDelay   time.Duration `yaml:"max_delay" toml:"max_delay" json:"max_delay"`

	// Timeout optionally bounds the whole poll in wall-clock time.
	Timeout time.Duration `yaml:"timeout" toml:"timeout" json:"timeout"`

	// Predicate decides whether a response means ready. Nil means Status2xx.
	Predicate Predicate `yaml:"-" toml:"-" json:"-"`
}

// DefaultPolicy returns the policy used when a caller supplies none:
// five attempts, five seconds apart, ready on any 2xx.
func DefaultPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		Delay:       5 * time.Second,
		Backoff:     BackoffConstant,
		Predicate:   Status2xx,
	}
}

// Normalize clamps out-of-range fields so a poll always terminates.
func (p RetryPolicy) Normalize() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Delay < 0 {
		p.Delay = 0
	}
	if p.Timeout < 0 {
		p.Timeout = 0
	}
	if p.Backoff != BackoffExponential {
		p.Backoff = BackoffConstant
	}
	if p.Backoff == BackoffExponential {
		if p.Multiplier <= 1 {
			p.Multiplier = 2
		}
		if p.MaxDelay <= 0 {
			p.MaxDelay = time.Duration(math.MaxInt64)
		}
	}
	if p.Predicate == nil {
		p.Predicate = Status2xx
	}
	return p
}

// Validate reports fields that Normalize would have to change.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.Delay < 0 {
		return fmt.Errorf("delay must not be negative, got %v", p.Delay)
	}
	switch p.Backoff {
	case "", BackoffConstant, BackoffExponential:
	default:
		return fmt.Errorf("unknown backoff %q", p.Backoff)
	}
	return nil
}

// backOff builds the delay schedule for a normalized policy. The attempt
// budget is applied on top with backoff.WithMaxRetries.
func (p RetryPolicy) backOff() backoff.BackOff {
	if p.Backoff == BackoffExponential {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = p.Delay
		b.Multiplier = p.Multiplier
		b.MaxInterval = p.MaxDelay
		b.RandomizationFactor = 0
		b.MaxElapsedTime = 0
		return b
	}
	return backoff.NewConstantBackOff(p.Delay)
}
