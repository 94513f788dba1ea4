package reconnect

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Delay(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, 1 * time.Second},
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second}, // capped
		{100, 30 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, cfg.Delay(tt.retry), "retry %d", tt.retry)
	}
}

func fastConfig(retries int) Config {
	return Config{MaxRetries: retries, RetryDelay: time.Millisecond, MaxRetryDelay: 5 * time.Millisecond}
}

func TestDo_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	got, n, err := Do(context.Background(), "producer", fastConfig(5), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("connection refused")
		}
		return "conn", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "conn", got)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, calls)
}

func TestDo_ReportsEveryAttempt(t *testing.T) {
	refused := errors.New("connection refused")
	reset := errors.New("connection reset")
	calls := 0

	_, n, err := Do(context.Background(), "127.0.0.1:8080", fastConfig(2), func(context.Context) (int, error) {
		calls++
		if calls == 2 {
			return 0, reset
		}
		return 0, refused
	})

	require.Error(t, err)
	assert.Equal(t, 3, n)

	var re *Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "127.0.0.1:8080", re.Target)
	require.Len(t, re.Attempts, 3)
	for i, a := range re.Attempts {
		assert.Equal(t, i+1, a.N)
		assert.False(t, a.At.IsZero())
	}
	assert.Same(t, reset, re.Attempts[1].Err)

	assert.ErrorIs(t, err, refused)
	assert.ErrorIs(t, err, reset)
	assert.Contains(t, err.Error(), "max retries exceeded (3 attempts)")
	assert.Contains(t, err.Error(), "last error: connection refused")
}

func TestDo_NoRetries(t *testing.T) {
	calls := 0
	_, n, err := Do(context.Background(), "x", Config{}, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("down")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, n)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	down := errors.New("down")

	cfg := Config{MaxRetries: 10, RetryDelay: time.Hour, MaxRetryDelay: time.Hour}
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, n, err := Do(ctx, "x", cfg, func(context.Context) (int, error) { return 0, down })
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, down)
	assert.Contains(t, err.Error(), "attempt 1: down")
	assert.Equal(t, 1, n)
}

func TestDo_ContextAlreadyDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	_, n, err := Do(ctx, "x", DefaultConfig(), func(context.Context) (int, error) {
		called = true
		return 0, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
	assert.Equal(t, 0, n)
}
