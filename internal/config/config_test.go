package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("INTERNAL_TOKEN", "internal")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, BusRedis, cfg.BusDriver)
	assert.Equal(t, 20*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 60*time.Second, cfg.StaleThreshold())
	assert.Equal(t, 3, cfg.PublishRetries)
	assert.Equal(t, 2*time.Second, cfg.RedisDialTimeout)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
}

func TestLoad_MissingSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "placeholder")
	require.NoError(t, os.Unsetenv("JWT_SECRET"))
	t.Setenv("INTERNAL_TOKEN", "internal")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_RejectsUnknownBus(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("INTERNAL_TOKEN", "internal")
	t.Setenv("BUS_DRIVER", "kafka")
	_, err := Load()
	assert.ErrorContains(t, err, "BUS_DRIVER")
}

func TestValidate_StaleMultiplier(t *testing.T) {
	cfg := Config{
		BusDriver:         BusMemory,
		HeartbeatInterval: time.Second,
		StaleMultiplier:   1,
		SweepInterval:     time.Second,
		ReconcileInterval: time.Second,
		PublishTimeout:    time.Second,
	}
	assert.ErrorContains(t, cfg.Validate(), "STALE_MULTIPLIER")
}
