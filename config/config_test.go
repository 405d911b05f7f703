package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "")
	t.Setenv("APP_ENV", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StorageMemory, cfg.Database.Driver)
	assert.Equal(t, 48*time.Hour, cfg.Engine.PaceGrace)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.True(t, cfg.IsDevelopment())
	assert.Empty(t, cfg.Redis.Addr)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "postgres")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_USER", "engine")
	t.Setenv("DB_PASSWORD", "pw")
	t.Setenv("ENGINE_PACE_GRACE", "24h")
	t.Setenv("ENGINE_DISPATCH_WORKERS", "3")
	t.Setenv("COLLABORATOR_RPS", "2.5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://engine:pw@db:5432/postgres?sslmode=disable", cfg.Database.URL)
	assert.Equal(t, 24*time.Hour, cfg.Engine.PaceGrace)
	assert.Equal(t, 3, cfg.Engine.DispatchWorkers)
	assert.Equal(t, 2.5, cfg.Collaborators.RequestsPerSecond)
}

func TestValidateJoinsErrors(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DB_HOST", "")
	t.Setenv("LOG_LEVEL", "loud")
	t.Setenv("ENGINE_HANDLER_TIMEOUT", "5m")

	_, err := Load()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "DATABASE_URL is required")
	assert.Contains(t, msg, "LOG_LEVEL")
	assert.Contains(t, msg, "ENGINE_HANDLER_TIMEOUT")
}

func TestProductionRejectsMemoryStorage(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("STORAGE_DRIVER", "memory")

	_, err := Load()
	assert.ErrorContains(t, err, "not allowed in production")
}
