// Package retry provides bounded retries with exponential backoff for step
// execution and remediation attempts.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// InitialDelay is the delay after the first failure.
	InitialDelay time.Duration
	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration
	// Factor is the exponential backoff multiplier.
	Factor float64
	// Jitter randomizes each delay within [0.5, 1.5] of its base value.
	Jitter bool
}

// DefaultConfig is tuned for step retries: one-second base doubling up to
// thirty seconds.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  2,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Factor:       2.0,
	}
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Factor <= 0 {
		c.Factor = 2.0
	}
}

// Outcome reports how a retried operation concluded.
type Outcome struct {
	// Attempts is the number of attempts made.
	Attempts int
	// Err is the last error, nil on success.
	Err error
}

// Do runs op until it succeeds, returns a permanent error, exhausts
// MaxAttempts, or ctx is done. The 1-based attempt number is passed to op.
func Do(ctx context.Context, config Config, op func(attempt int) error) Outcome {
	config.applyDefaults()

	var out Outcome
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		out.Attempts = attempt

		if err := ctx.Err(); err != nil {
			out.Err = err
			return out
		}

		err := op(attempt)
		if err == nil {
			out.Err = nil
			return out
		}
		out.Err = err

		if IsPermanent(err) || attempt >= config.MaxAttempts {
			return out
		}

		sleep := Backoff(attempt, config.InitialDelay, config.MaxDelay, config.Factor)
		if config.Jitter {
			sleep = withJitter(sleep)
		}
		select {
		case <-ctx.Done():
			out.Err = ctx.Err()
			return out
		case <-time.After(sleep):
		}
	}
	return out
}

// Backoff returns the delay to wait after the given 1-based failed attempt.
func Backoff(attempt int, initial, max time.Duration, factor float64) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	if initial <= 0 {
		initial = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	if factor <= 0 {
		factor = 2.0
	}

	delay := float64(initial) * math.Pow(factor, float64(attempt-1))
	if delay > float64(max) {
		delay = float64(max)
	}
	return time.Duration(delay)
}

func withJitter(base time.Duration) time.Duration {
	factor := 0.5 + rand.Float64() // #nosec G404 -- jitter does not require cryptographic randomness
	return time.Duration(float64(base) * factor)
}

// PermanentError marks an error that must not be retried, such as a
// declined confirmation.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so Do stops immediately instead of retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}
