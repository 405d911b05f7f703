package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCron(t *testing.T) {
	base := time.Date(2026, 5, 4, 9, 7, 30, 0, time.UTC) // Monday

	tests := []struct {
		expr string
		want time.Time
	}{
		{"*/15 * * * *", time.Date(2026, 5, 4, 9, 15, 0, 0, time.UTC)},
		{"* * * * *", time.Date(2026, 5, 4, 9, 8, 0, 0, time.UTC)},
		{"0 3 * * *", time.Date(2026, 5, 5, 3, 0, 0, 0, time.UTC)},
		{"30 9-17/4 * * *", time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)},
		{"0 9-17/4 * * *", time.Date(2026, 5, 4, 13, 0, 0, 0, time.UTC)},
		{"0 0 * * 0", time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)},
		{"5,10 9 4 5 *", time.Date(2026, 5, 4, 9, 10, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			ce, err := ParseCron(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ce.Next(base))
			assert.Equal(t, tt.expr, ce.String())
		})
	}
}

func TestParseCronRejects(t *testing.T) {
	for _, expr := range []string{"", "* * * *", "60 * * * *", "*/0 * * * *", "5-1 * * * *", "a * * * *"} {
		_, err := ParseCron(expr)
		assert.Error(t, err, expr)
	}
}

func TestParseSchedule(t *testing.T) {
	s, err := ParseSchedule("@every 30s")
	require.NoError(t, err)
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(30*time.Second), s.Next(now))
	assert.Equal(t, "@every 30s", s.String())

	_, err = ParseSchedule("@every nope")
	assert.Error(t, err)

	s, err = ParseSchedule("0 * * * *")
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), s.Next(now))
}
