package reliability

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("creates with correct defaults", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 3)

		assert.Equal(t, 100*time.Millisecond, eb.InitialInterval)
		assert.Equal(t, 5*time.Second, eb.MaxInterval)
		assert.Equal(t, 2.0, eb.Multiplier)
		assert.Equal(t, 3, eb.MaxRetries())
		assert.True(t, eb.Jitter)
	})

	t.Run("ShouldRetry respects max retries", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 3)

		for i := 0; i < 3; i++ {
			shouldRetry, delay := eb.ShouldRetry(i, errors.New("test"))
			assert.True(t, shouldRetry)
			assert.Greater(t, delay, time.Duration(0))
		}

		shouldRetry, delay := eb.ShouldRetry(3, errors.New("test"))
		assert.False(t, shouldRetry)
		assert.Equal(t, time.Duration(0), delay)
	})

	t.Run("NextDelay grows and caps", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 10*time.Second, 2.0, 5)
		eb.Jitter = false

		tests := []struct {
			attempt  int
			expected time.Duration
		}{
			{0, 100 * time.Millisecond},
			{1, 200 * time.Millisecond},
			{2, 400 * time.Millisecond},
			{10, 10 * time.Second},
		}

		for _, tt := range tests {
			t.Run(fmt.Sprintf("attempt %d", tt.attempt), func(t *testing.T) {
				assert.Equal(t, tt.expected, eb.NextDelay(tt.attempt))
			})
		}
	})

	t.Run("jitter stays within 15 percent", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Second, 10*time.Second, 2.0, 5)

		for i := 0; i < 20; i++ {
			delay := eb.NextDelay(0)
			assert.GreaterOrEqual(t, delay, 850*time.Millisecond)
			assert.LessOrEqual(t, delay, 1150*time.Millisecond)
		}
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 3)
		err := fmt.Errorf("wrapped: %w", Permanent(errors.New("bad config")))

		shouldRetry, _ := eb.ShouldRetry(0, err)
		assert.False(t, shouldRetry)
	})
}

func TestFixedDelay(t *testing.T) {
	fd := NewFixedDelay(750*time.Millisecond, 2)

	for i := 0; i < 5; i++ {
		assert.Equal(t, 750*time.Millisecond, fd.NextDelay(i))
	}

	ok, _ := fd.ShouldRetry(1, errors.New("x"))
	assert.True(t, ok)
	ok, _ = fd.ShouldRetry(2, errors.New("x"))
	assert.False(t, ok)
}

func TestRetry(t *testing.T) {
	t.Run("succeeds on first attempt", func(t *testing.T) {
		attempts := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 3), func() error {
			attempts++
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("retries on failure", func(t *testing.T) {
		attempts := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 3), func() error {
			attempts++
			if attempts < 3 {
				return errors.New("temporary error")
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("returns last error after max retries", func(t *testing.T) {
		attempts := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 2), func() error {
			attempts++
			return errors.New("persistent error")
		})

		require.Error(t, err)
		assert.Equal(t, "persistent error", err.Error())
		assert.Equal(t, 3, attempts)
	})

	t.Run("stops when context is cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		attempts := 0
		err := Retry(ctx, NewFixedDelay(time.Hour, 5), func() error {
			attempts++
			cancel()
			return errors.New("fail")
		})

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, attempts)
	})
}

func TestSleep(t *testing.T) {
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
	assert.NoError(t, Sleep(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}
