// Package retry provides bounded retry with backoff for agent
// initialization and helper command delivery.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// PermanentError marks an error that retrying cannot fix. Return
// Permanent(err) from the operation to stop the loop immediately.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as a PermanentError.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Config bounds the retry loop. Zero fields take defaults.
type Config struct {
	// InitialDelay is the wait before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the per-retry wait.
	MaxDelay time.Duration
	// MaxElapsed is the total time after which retries stop.
	MaxElapsed time.Duration
	// MaxAttempts limits total attempts (0 = unlimited, use MaxElapsed).
	MaxAttempts int
	// Linear disables the exponential increase; each retry waits
	// InitialDelay*attempt capped at MaxDelay.
	Linear bool
}

// DefaultConfig returns sensible defaults for agent-facing operations.
func DefaultConfig() Config {
	return Config{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		MaxElapsed:   2 * time.Minute,
		MaxAttempts:  5,
	}
}

// Do runs fn until it succeeds or the budget (attempts or elapsed time)
// runs out, sleeping between attempts. A PermanentError ends the loop at
// once; ctx cancellation aborts a sleep in progress.
func Do(ctx context.Context, cfg Config, name string, fn func(ctx context.Context) error) error {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultConfig().InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig().MaxDelay
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = DefaultConfig().MaxElapsed
	}

	start := time.Now()
	step := cfg.InitialDelay

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				slog.Info("Recovered after retry",
					"operation", name,
					"attempt", attempt,
					"elapsed", time.Since(start).Round(time.Millisecond),
				)
			}
			return nil
		}

		var perm *PermanentError
		if errors.As(err, &perm) {
			slog.Warn("Giving up on permanent error",
				"operation", name,
				"attempt", attempt,
				"error", perm.Err,
			)
			return perm.Err
		}

		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			slog.Warn("Retry budget exhausted",
				"operation", name,
				"attempts", attempt,
				"elapsed", time.Since(start).Round(time.Millisecond),
				"lastError", err,
			)
			return fmt.Errorf("%s: retries exhausted after %d attempts: %w", name, attempt, err)
		}
		if elapsed := time.Since(start); elapsed >= cfg.MaxElapsed {
			slog.Warn("Retry budget exhausted",
				"operation", name,
				"attempts", attempt,
				"elapsed", elapsed.Round(time.Millisecond),
				"lastError", err,
			)
			return fmt.Errorf("%s: retries exhausted after %v: %w", name, elapsed.Round(time.Millisecond), err)
		}

		wait := nextDelay(cfg, attempt, step)
		slog.Info("Attempt failed, will retry",
			"operation", name,
			"attempt", attempt,
			"delay", wait.Round(time.Millisecond),
			"error", err,
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: context cancelled during retry: %w", name, ctx.Err())
		case <-timer.C:
		}

		if step *= 2; step > cfg.MaxDelay {
			step = cfg.MaxDelay
		}
	}
}

// nextDelay picks the wait before the next attempt: a linear ramp when
// configured, otherwise the current exponential step plus jitter.
func nextDelay(cfg Config, attempt int, step time.Duration) time.Duration {
	if cfg.Linear {
		d := cfg.InitialDelay * time.Duration(attempt)
		if d > cfg.MaxDelay {
			d = cfg.MaxDelay
		}
		return d
	}
	return step + time.Duration(rand.Int63n(int64(step)/2))
}
