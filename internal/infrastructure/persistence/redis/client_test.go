package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/pkg/keylock"
)

func TestLockKey(t *testing.T) {
	assert.Equal(t, "progress-engine:lock:enrollment/s1/p1", LockKey("progress-engine:", "enrollment/s1/p1"))
	assert.Equal(t, "lock:x", LockKey("", "x"))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.True(t, cfg.Enabled())
	assert.False(t, Config{}.Enabled())
}

func TestNewLockerDefaults(t *testing.T) {
	l := NewLocker(nil, LockerConfig{})
	assert.Equal(t, DefaultLockTTL, l.ttl)
	assert.Equal(t, DefaultLockInterval, l.interval)

	var _ keylock.Locker = l
}

func TestNewClientUnreachable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:1"
	cfg.DialTimeout = 200 * time.Millisecond
	cfg.MaxRetries = -1

	_, err := NewClient(context.Background(), cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnection)
}
