// Package retry provides a bounded-retry executor for remote calls.
// The Google APIs this program talks to fail transiently (broken
// pipes, intermittent 5xx responses), so every remote interaction is
// routed through Do or Value with a predicate that decides which
// failures are worth repeating.
package retry

import (
	"context"
	"fmt"
	"time"

	gax "github.com/googleapis/gax-go/v2"
)

// sleep pauses for d, returning early with ctx.Err() if the context
// is cancelled.  Overridable in tests to observe the schedule.
var sleep = gax.Sleep

// Options controls the retry schedule.
type Options struct {
	// Initial is the delay before the first retry.  It doubles after
	// every failed attempt.  Default: 2s.
	Initial time.Duration

	// MaxAttempts is the total attempt budget, including the first
	// call.  Default: 3.
	MaxAttempts int

	// Retryable decides whether an error is worth retrying.  A nil
	// predicate retries everything.  Non-retryable errors propagate
	// immediately without consuming the remaining budget.
	Retryable func(error) bool
}

func (o Options) withDefaults() Options {
	if o.Initial <= 0 {
		o.Initial = 2 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	return o
}

// ExhaustedError is returned when every attempt failed with a
// retryable error.  It wraps the last cause.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("remote call failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do executes op, retrying on failures accepted by opts.Retryable
// with a delay that doubles after every failed attempt.  The loop is
// explicit (no recursion) so the backoff schedule stays deterministic
// and the attempt counter is bounded.  Sleeps return early if ctx is
// cancelled.
func Do(ctx context.Context, op func() error, opts Options) error {
	opts = opts.withDefaults()

	delay := opts.Initial
	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if opts.Retryable != nil && !opts.Retryable(lastErr) {
			return lastErr
		}
		if attempt == opts.MaxAttempts {
			break
		}
		if err := sleep(ctx, delay); err != nil {
			// Context cancelled mid-backoff.
			return err
		}
		delay *= 2
	}
	return &ExhaustedError{Attempts: opts.MaxAttempts, Err: lastErr}
}

// Value is the result-returning variant of Do.
func Value[T any](ctx context.Context, op func() (T, error), opts Options) (T, error) {
	var out T
	err := Do(ctx, func() error {
		var opErr error
		out, opErr = op()
		return opErr
	}, opts)
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
