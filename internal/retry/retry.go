// Package retry provides bounded retries with exponential backoff and a way
// to mark failures that must not be retried.
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
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int
	// InitialDelay is the delay after the first failure.
	InitialDelay time.Duration
	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration
	// Factor is the exponential multiplier.
	Factor float64
	// Jitter randomizes each delay to base * [0.5, 1.5).
	Jitter bool
}

// DefaultConfig returns the configuration used for REST probes.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Factor:       2.0,
		Jitter:       true,
	}
}

// Result describes the outcome of Do.
type Result struct {
	Attempts int
	Err      error
	Duration time.Duration
}

// Do runs op until it succeeds, returns a permanent error, the context ends
// or MaxAttempts is reached.
func Do(ctx context.Context, config Config, op func() error) Result {
	start := time.Now()
	result := Result{}

	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result.Attempts = attempt
		if err := ctx.Err(); err != nil {
			result.Err = err
			break
		}

		err := op()
		result.Err = err
		if err == nil || IsPermanent(err) || attempt == config.MaxAttempts {
			break
		}

		delay := Backoff(attempt, config.InitialDelay, config.MaxDelay, config.Factor)
		if config.Jitter {
			delay = jitter(delay)
		}
		if err := Sleep(ctx, delay); err != nil {
			result.Err = err
			break
		}
	}

	result.Duration = time.Since(start)
	return result
}

// PermanentError marks an error that retrying cannot fix, such as a
// rejected credential.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so IsPermanent reports true. Nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err, or anything it wraps, is permanent.
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}

// Backoff returns initial * factor^(attempt-1), capped at max.
func Backoff(attempt int, initial, max time.Duration, factor float64) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	if max <= 0 {
		max = 10 * time.Second
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

// BackoffWithJitter is Backoff with the jitter used by Do applied.
func BackoffWithJitter(attempt int, initial, max time.Duration, factor float64) time.Duration {
	return jitter(Backoff(attempt, initial, max, factor))
}

func jitter(d time.Duration) time.Duration {
	factor := 0.5 + rand.Float64() // #nosec G404 -- jitter does not require cryptographic randomness
	return time.Duration(float64(d) * factor)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
