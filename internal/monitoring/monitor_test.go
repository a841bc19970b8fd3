package monitoring

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strogmv/notify/internal/adapter/bus/memory"
	presencemem "github.com/strogmv/notify/internal/adapter/presence/memory"
	"github.com/strogmv/notify/internal/domain"
	"github.com/strogmv/notify/internal/pkg/circuitbreaker"
	"github.com/strogmv/notify/internal/pkg/metrics"
	"github.com/strogmv/notify/internal/port"
	"github.com/strogmv/notify/internal/registry"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	mon      *Monitor
	reg      *registry.Registry
	bus      port.MessageBus
	presence *presencemem.Store
	metrics  *metrics.Metrics
	state    circuitbreaker.State
	breaker  *circuitbreaker.Breaker
	clk      *testclock.Clock
}

func newFixture(t *testing.T, bus port.MessageBus) *fixture {
	t.Helper()
	clk := testclock.NewClock(epoch)
	f := &fixture{
		reg:      registry.New(clk),
		bus:      bus,
		presence: presencemem.NewStore(),
		metrics:  metrics.New(),
		state:    circuitbreaker.Closed,
		clk:      clk,
	}
	f.mon = New(Config{InstanceID: "i-1", ProbeTimeout: 200 * time.Millisecond, StaleThreshold: time.Minute},
		f.reg, bus, f.presence, f.metrics,
		func() circuitbreaker.State {
			if f.breaker != nil {
				return f.breaker.State()
			}
			return f.state
		},
		clk, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return f
}

// silentBus accepts publishes but never delivers them.
type silentBus struct{ *memory.Bus }

func (silentBus) Publish(context.Context, string, domain.NotificationPayload) error { return nil }

type downBus struct{ *memory.Bus }

func (downBus) Ping(context.Context) error { return errors.New("connection refused") }

func TestConnections_CountsPerUser(t *testing.T) {
	f := newFixture(t, memory.New(4, nil))
	for _, u := range []string{"a", "a", "b"} {
		_, err := f.reg.Register(u)
		require.NoError(t, err)
	}
	c := f.mon.Connections()
	assert.Equal(t, 3, c.Total)
	assert.Equal(t, map[string]int{"a": 2, "b": 1}, c.PerUser)
}

func TestUserConnections_IncludesOtherInstances(t *testing.T) {
	f := newFixture(t, memory.New(4, nil))
	ctx := context.Background()
	info, err := f.reg.Register("a")
	require.NoError(t, err)
	require.NoError(t, f.presence.Touch(ctx, "a", info.ConnectionID, epoch))
	require.NoError(t, f.presence.Touch(ctx, "a", "elsewhere", epoch))
	require.NoError(t, f.presence.Touch(ctx, "a", "long-gone", epoch.Add(-time.Hour)))

	uc := f.mon.UserConnections(ctx, "a")
	assert.Equal(t, 1, uc.Local)
	assert.Equal(t, 2, uc.Cluster)
	assert.Empty(t, uc.ClusterError)
}

func TestHealth_RoundTripOK(t *testing.T) {
	bus := memory.New(4, nil)
	f := newFixture(t, bus)

	h := f.mon.Health(context.Background())
	assert.True(t, h.OK())
	assert.Equal(t, StatusOK, h.Bus)
	assert.Equal(t, "closed", h.Breaker)
	assert.Zero(t, bus.Subscribers(f.mon.ProbeChannel()), "probe subscription released")
}

func TestHealth_DegradedWhenProbeNeverArrives(t *testing.T) {
	f := newFixture(t, silentBus{memory.New(4, nil)})
	h := f.mon.Health(context.Background())
	assert.False(t, h.OK())
	assert.Equal(t, StatusDegraded, h.Bus)
	assert.Contains(t, h.Error, "await probe")
}

func TestHealth_DegradedWhenPingFails(t *testing.T) {
	f := newFixture(t, downBus{memory.New(4, nil)})
	h := f.mon.Health(context.Background())
	assert.Equal(t, StatusDegraded, h.Status)
	assert.Contains(t, h.Error, "connection refused")
}

func TestHealth_DegradedWhileBreakerOpen(t *testing.T) {
	f := newFixture(t, memory.New(4, nil))
	f.state = circuitbreaker.Open
	h := f.mon.Health(context.Background())
	assert.Equal(t, StatusDegraded, h.Status)
	assert.Equal(t, StatusOK, h.Bus)
	assert.Equal(t, "open", h.Breaker)
}

func TestHealth_RecoversAfterCooldownWithoutPublishTraffic(t *testing.T) {
	f := newFixture(t, memory.New(4, nil))
	f.breaker = circuitbreaker.NewBreaker(1, 5*time.Second, 1, f.clk)
	f.breaker.RecordFailure()

	h := f.mon.Health(context.Background())
	assert.Equal(t, StatusDegraded, h.Status)
	assert.Equal(t, "open", h.Breaker)

	f.clk.Advance(6 * time.Second)
	h = f.mon.Health(context.Background())
	assert.True(t, h.OK())
	assert.Equal(t, "half_open", h.Breaker)
}
