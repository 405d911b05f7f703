package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDateRange(t *testing.T) {
	r, err := ParseDateRange("2026-03-01", "2026-03-07")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC), r.To)
	assert.Equal(t, 7, r.Days())
	assert.True(t, r.Contains(time.Date(2026, 3, 7, 23, 59, 0, 0, time.UTC)))
	assert.False(t, r.Contains(time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC)))

	r, err = ParseDateRange("2026-03-01T10:00:00Z", "2026-03-01T12:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, r.To.Sub(r.From))

	_, err = ParseDateRange("2026-03-05", "2026-03-01")
	assert.ErrorIs(t, err, ErrInvalidRange)

	_, err = ParseDateRange("yesterday", "2026-03-01")
	assert.Error(t, err)
}

func TestLastDays(t *testing.T) {
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	r := LastDays(now, 7)
	assert.Equal(t, time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC), r.From)
	assert.True(t, r.Contains(now))
}

func TestFixedClock(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFixedClock(start)
	c.Advance(time.Hour)
	assert.Equal(t, start.Add(time.Hour), c.Now())
	c.Set(start)
	assert.Equal(t, start, c.Now())
}

func TestBucketAndMax(t *testing.T) {
	at := time.Date(2026, 1, 1, 10, 7, 45, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 1, 1, 10, 5, 0, 0, time.UTC), Bucket(at, 5*time.Minute))
	assert.Equal(t, at, Bucket(at, 0))
	assert.Equal(t, at, MaxTime(at, at.Add(-time.Second)))
}
