package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2.0,
		Jitter:          false,
		MaxRetries:      3,
	}
}

func TestWithRetrySucceedsFirstTry(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return nil
	}, fastConfig())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetryRecoversAfterFailures(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, fastConfig())
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryExhaustsBudget(t *testing.T) {
	sentinel := errors.New("still broken")
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return sentinel
	}, fastConfig())
	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
	assert.Contains(t, err.Error(), "after 4 attempts")
	assert.Equal(t, 4, calls) // initial try plus MaxRetries
}

func TestWithRetryStopError(t *testing.T) {
	sentinel := errors.New("permanent")
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return Stop(sentinel)
	}, fastConfig())
	require.Error(t, err)
	// The StopError wrapper is unwrapped before returning.
	assert.Equal(t, sentinel, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetryContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	config := fastConfig()
	config.InitialInterval = time.Hour
	config.MaxInterval = time.Hour
	config.Jitter = false

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- WithRetry(ctx, func() error {
			calls++
			return errors.New("transient")
		}, config)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(time.Second):
		t.Fatal("WithRetry did not return after context cancellation")
	}
}

func TestIsStopError(t *testing.T) {
	assert.True(t, IsStopError(Stop(errors.New("x"))))
	assert.False(t, IsStopError(errors.New("x")))
	assert.False(t, IsStopError(nil))
}

func TestExponentialBackoffGrowth(t *testing.T) {
	config := BackoffConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2.0,
		Jitter:          false,
	}
	backoff := ExponentialBackoff(config)

	assert.Equal(t, 100*time.Millisecond, backoff(1))
	assert.Equal(t, 200*time.Millisecond, backoff(2))
	assert.Equal(t, 400*time.Millisecond, backoff(3))
	assert.Equal(t, 800*time.Millisecond, backoff(4))
	// Capped at MaxInterval from here on.
	assert.Equal(t, time.Second, backoff(5))
	assert.Equal(t, time.Second, backoff(10))
}

func TestExponentialBackoffJitterBounds(t *testing.T) {
	config := BackoffConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2.0,
		Jitter:          true,
	}
	backoff := ExponentialBackoff(config)

	for i := 0; i < 50; i++ {
		d := backoff(1)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.Less(t, d, 100*time.Millisecond)
	}
}
