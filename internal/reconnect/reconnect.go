// Package reconnect retries a connection attempt with exponential backoff.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Config bounds the retries of one Do call
type Config struct {
	MaxRetries    int           `yaml:"max_retries"`     // retries after the first attempt
	RetryDelay    time.Duration `yaml:"retry_delay"`     // wait before the first retry
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"` // cap for the doubled wait
}

// DefaultConfig retries 5 times, waiting 1s, 2s, 4s, 8s and 16s
func DefaultConfig() Config {
	return Config{
		MaxRetries:    5,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// Delay returns the wait before retry n (1-based): RetryDelay doubled n-1
// times, capped at MaxRetryDelay.
func (c Config) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	delay := c.RetryDelay
	for i := 1; i < n && delay < c.MaxRetryDelay; i++ {
		delay *= 2
	}
	if delay > c.MaxRetryDelay {
		delay = c.MaxRetryDelay
	}
	return delay
}

// Attempt is one failed try
type Attempt struct {
	N   int
	At  time.Time
	Err error
}

// Error is returned by Do when every attempt failed
type Error struct {
	Target   string
	Attempts []Attempt
}

func (e *Error) Error() string {
	last := e.Attempts[len(e.Attempts)-1]
	return fmt.Sprintf("reconnect: %s: max retries exceeded (%d attempts), last error: %v",
		e.Target, len(e.Attempts), last.Err)
}

// Unwrap exposes every attempt error to errors.Is and errors.As
func (e *Error) Unwrap() []error {
	errs := make([]error, len(e.Attempts))
	for i, a := range e.Attempts {
		errs[i] = a.Err
	}
	return errs
}

// Do calls connect until it succeeds, cfg.MaxRetries retries have failed or
// ctx is done. It returns the connection and how many attempts it took.
//
// When retries run out the error is an *Error listing every attempt. When
// ctx ends first the error wraps ctx.Err() and the failures so far.
func Do[T any](ctx context.Context, target string, cfg Config, connect func(context.Context) (T, error)) (T, int, error) {
	var (
		zero     T
		attempts []Attempt
	)

	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			return zero, n - 1, abort(target, err, attempts)
		}

		conn, err := connect(ctx)
		if err == nil {
			if n > 1 {
				slog.Info("reconnect: connected after retries", "target", target, "attempts", n)
			}
			return conn, n, nil
		}
		attempts = append(attempts, Attempt{N: n, At: time.Now(), Err: err})

		if n > cfg.MaxRetries {
			return zero, n, &Error{Target: target, Attempts: attempts}
		}

		delay := cfg.Delay(n)
		slog.Warn("reconnect: attempt failed, retrying",
			"target", target,
			"attempt", n,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
			"error", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, n, abort(target, ctx.Err(), attempts)
		}
	}
}

func abort(target string, cause error, attempts []Attempt) error {
	if len(attempts) == 0 {
		return fmt.Errorf("reconnect: %s: %w", target, cause)
	}
	errs := make([]error, 0, len(attempts)+1)
	errs = append(errs, cause)
	for _, a := range attempts {
		errs = append(errs, fmt.Errorf("attempt %d: %w", a.N, a.Err))
	}
	return fmt.Errorf("reconnect: %s: %w", target, errors.Join(errs...))
}
