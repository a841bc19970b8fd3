package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strogmv/notify/internal/config"
	"github.com/strogmv/notify/internal/domain"
	"github.com/strogmv/notify/internal/port"
)

func testConfig() *config.Config {
	return &config.Config{
		HTTPAddr:           "127.0.0.1:0",
		ShutdownTimeout:    time.Second,
		CORSOrigins:        []string{"*"},
		BusDriver:          config.BusMemory,
		HeartbeatInterval:  20 * time.Second,
		StaleMultiplier:    3,
		SweepInterval:      10 * time.Second,
		ReconcileInterval:  30 * time.Second,
		PublishTimeout:     250 * time.Millisecond,
		PublishRetries:     3,
		PublishBackoff:     time.Millisecond,
		StreamBuffer:       16,
		StreamWriteTimeout: time.Second,
		HealthProbeTimeout: time.Second,
		BreakerThreshold:   10,
		BreakerCooldown:    time.Second,
		JWTSecret:          "secret",
		InternalToken:      "internal",
	}
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNewContainer_MemoryBus(t *testing.T) {
	cfg := testConfig()
	c, err := NewContainer(context.Background(), cfg, discard())
	require.NoError(t, err)
	defer c.Close()

	assert.NotEmpty(t, cfg.InstanceID)
	assert.Nil(t, c.History)
	assert.True(t, c.Monitor.Health(context.Background()).OK())
}

func TestNewContainer_RedisBusRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.BusDriver = config.BusRedis
	cfg.RedisAddr = mr.Addr()

	c, err := NewContainer(context.Background(), cfg, discard())
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	id, feed, err := c.Service.SubscribeForStream(ctx, "u-1")
	require.NoError(t, err)

	_, err = c.Service.Notify(ctx, port.NotifyRequest{UserID: "u-1", EventType: domain.EventProgress})
	require.NoError(t, err)
	select {
	case p := <-feed:
		assert.Equal(t, domain.EventProgress, p.EventType)
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery through redis")
	}

	uc := c.Monitor.UserConnections(ctx, "u-1")
	assert.Equal(t, 1, uc.Cluster)
	assert.True(t, c.Monitor.Health(ctx).OK())

	c.Service.CloseStream(id)
	assert.Zero(t, c.Registry.TotalCount())
}

func TestServer_ShutdownDrainsStreams(t *testing.T) {
	c, err := NewContainer(context.Background(), testConfig(), discard())
	require.NoError(t, err)
	defer c.Close()

	_, feed, err := c.Service.SubscribeForStream(context.Background(), "u-1")
	require.NoError(t, err)

	srv := c.Server()
	require.NoError(t, srv.Shutdown(context.Background()))
	require.Eventually(t, func() bool { return c.Registry.TotalCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	_, ok := <-feed
	assert.False(t, ok)
}
