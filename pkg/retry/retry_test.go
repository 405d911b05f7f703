package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayGrowsAndCaps(t *testing.T) {
	c := Config{InitialDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2}

	assert.Equal(t, time.Second, c.Delay(1))
	assert.Equal(t, 2*time.Second, c.Delay(2))
	assert.Equal(t, 8*time.Second, c.Delay(4))
	assert.Equal(t, 10*time.Second, c.Delay(10))
	assert.Equal(t, time.Second, c.Delay(0))
}

func TestDelayJitterStaysInBand(t *testing.T) {
	c := OutboxBackoff()
	for i := 0; i < 100; i++ {
		d := c.Delay(3)
		assert.GreaterOrEqual(t, d, time.Duration(float64(8*time.Second)*0.8))
		assert.LessOrEqual(t, d, time.Duration(float64(8*time.Second)*1.2))
	}
}

func TestDoRetriesRetryableErrors(t *testing.T) {
	calls := 0
	r := New(WithMaxAttempts(5), WithInitialDelay(time.Millisecond), WithJitter(0))
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return Retryable(errors.New("transient"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanent(t *testing.T) {
	calls := 0
	sentinel := errors.New("bad input")
	err := New(WithMaxAttempts(5), WithInitialDelay(time.Millisecond)).Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(sentinel)
	})

	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

func TestDoDoesNotRetryPlainErrors(t *testing.T) {
	calls := 0
	err := New(WithMaxAttempts(5), WithInitialDelay(time.Millisecond)).Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("plain")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoUnwrapsLastRetryableError(t *testing.T) {
	sentinel := errors.New("still down")
	calls := 0
	err := New(WithMaxAttempts(2), WithInitialDelay(time.Millisecond)).Do(context.Background(), func(context.Context) error {
		calls++
		return Retryable(sentinel)
	})

	assert.Equal(t, sentinel, err)
	assert.Equal(t, 2, calls)
}

func TestDoHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := StorageRetrier().Do(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
