package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordSleeps replaces the package sleep func and returns the slice
// of recorded delays.  The caller must invoke the returned restore
// func when done.
func recordSleeps(t *testing.T) *[]time.Duration {
	t.Helper()
	var delays []time.Duration
	orig := sleep
	sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	t.Cleanup(func() { sleep = orig })
	return &delays
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	delays := recordSleeps(t)

	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return nil
	}, Options{Initial: time.Second, MaxAttempts: 3})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *delays)
}

func TestDo_TwoFailuresThenSuccess(t *testing.T) {
	delays := recordSleeps(t)

	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("broken pipe")
		}
		return nil
	}, Options{Initial: 2 * time.Second, MaxAttempts: 3})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	// Two sleeps, doubling: 2s then 4s.
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, *delays)
}

func TestDo_Exhausted(t *testing.T) {
	delays := recordSleeps(t)

	cause := fmt.Errorf("connection reset")
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return cause
	}, Options{Initial: time.Second, MaxAttempts: 3})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	// No sleep after the final attempt.
	assert.Len(t, *delays, 2)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.ErrorIs(t, err, cause)
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	delays := recordSleeps(t)

	fatal := fmt.Errorf("permission denied")
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return fatal
	}, Options{
		Initial:     time.Second,
		MaxAttempts: 5,
		Retryable:   func(err error) bool { return false },
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *delays)

	// Not wrapped in ExhaustedError -- the budget was not consumed.
	var exhausted *ExhaustedError
	assert.False(t, errors.As(err, &exhausted))
	assert.ErrorIs(t, err, fatal)
}

func TestDo_RetryablePredicateFilters(t *testing.T) {
	recordSleeps(t)

	transient := fmt.Errorf("503 backend unavailable")
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		if calls == 1 {
			return transient
		}
		return nil
	}, Options{
		Initial:     time.Second,
		MaxAttempts: 3,
		Retryable:   func(err error) bool { return errors.Is(err, transient) },
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	orig := sleep
	sleep = func(ctx context.Context, _ time.Duration) error {
		return context.Canceled
	}
	t.Cleanup(func() { sleep = orig })

	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return fmt.Errorf("flaky")
	}, Options{Initial: time.Second, MaxAttempts: 3})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDo_DefaultOptions(t *testing.T) {
	delays := recordSleeps(t)

	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return fmt.Errorf("always failing")
	}, Options{})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, *delays)
}

func TestValue_ReturnsResult(t *testing.T) {
	recordSleeps(t)

	calls := 0
	got, err := Value(context.Background(), func() (string, error) {
		calls++
		if calls == 1 {
			return "", fmt.Errorf("transient")
		}
		return "operation-name", nil
	}, Options{Initial: time.Second, MaxAttempts: 3})

	require.NoError(t, err)
	assert.Equal(t, "operation-name", got)
}

func TestValue_ZeroOnError(t *testing.T) {
	recordSleeps(t)

	got, err := Value(context.Background(), func() (int, error) {
		return 42, fmt.Errorf("boom")
	}, Options{Initial: time.Second, MaxAttempts: 2})

	require.Error(t, err)
	assert.Zero(t, got)
}
