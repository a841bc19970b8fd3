// Package monitoring aggregates read-only views over the registry, metrics, bus and presence
// store. It owns no state of its own apart from the health probe's channel.
package monitoring

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/strogmv/notify/internal/domain"
	"github.com/strogmv/notify/internal/pkg/circuitbreaker"
	"github.com/strogmv/notify/internal/pkg/metrics"
	"github.com/strogmv/notify/internal/port"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

type Config struct {
	InstanceID     string
	ProbeTimeout   time.Duration
	StaleThreshold time.Duration
}

type Monitor struct {
	cfg      Config
	registry port.ConnectionRegistry
	bus      port.MessageBus
	presence port.PresenceStore
	metrics  *metrics.Metrics
	breaker  func() circuitbreaker.State
	clock    clock.Clock
	log      *slog.Logger
}

// New builds a monitor. presence may be nil, in which case cluster counts equal local counts.
func New(cfg Config, registry port.ConnectionRegistry, bus port.MessageBus, presence port.PresenceStore,
	m *metrics.Metrics, breaker func() circuitbreaker.State, clk clock.Clock, log *slog.Logger) *Monitor {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = time.Second
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if clk == nil {
		clk = clock.WallClock
	}
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		cfg:      cfg,
		registry: registry,
		bus:      bus,
		presence: presence,
		metrics:  m,
		breaker:  breaker,
		clock:    clk,
		log:      log.With("component", "monitoring"),
	}
}

type Connections struct {
	Total   int            `json:"total"`
	PerUser map[string]int `json:"per_user"`
}

func (m *Monitor) Connections() Connections {
	return Connections{Total: m.registry.TotalCount(), PerUser: m.registry.Users()}
}

type UserConnections struct {
	UserID  string `json:"user_id"`
	Local   int    `json:"local"`
	Cluster int    `json:"cluster"`
	// ClusterError is set when the presence store could not be read; Cluster then repeats Local.
	ClusterError string `json:"cluster_error,omitempty"`
}

// UserConnections reports the connections of one user on this instance and across the cluster.
func (m *Monitor) UserConnections(ctx context.Context, userID string) UserConnections {
	local := m.registry.CountForUser(userID)
	out := UserConnections{UserID: userID, Local: local, Cluster: local}
	if m.presence == nil {
		return out
	}
	since := m.clock.Now().Add(-m.cfg.StaleThreshold)
	n, err := m.presence.CountActive(ctx, userID, since)
	if err != nil {
		out.ClusterError = err.Error()
		return out
	}
	out.Cluster = max(n, local)
	return out
}

func (m *Monitor) Metrics() metrics.Snapshot {
	return m.metrics.Snapshot()
}

type Health struct {
	Status    string `json:"status"`
	Bus       string `json:"bus"`
	Breaker   string `json:"breaker"`
	LatencyMS int64  `json:"round_trip_ms"`
	Error     string `json:"error,omitempty"`
}

func (h Health) OK() bool { return h.Status == StatusOK }

// ProbeChannel is the channel the health probe publishes on; it never collides with user channels.
func (m *Monitor) ProbeChannel() string {
	return "notifications:probe:" + m.cfg.InstanceID
}

// Health runs a synthetic publish/subscribe round trip through the bus and combines it with
// the publish circuit breaker state.
func (m *Monitor) Health(ctx context.Context) Health {
	h := Health{Status: StatusOK, Bus: StatusOK, Breaker: circuitbreaker.Closed.String()}
	if m.breaker != nil {
		state := m.breaker()
		h.Breaker = state.String()
		if state == circuitbreaker.Open {
			h.Status = StatusDegraded
		}
	}

	start := time.Now()
	if err := m.roundTrip(ctx); err != nil {
		h.Status = StatusDegraded
		h.Bus = StatusDegraded
		h.Error = err.Error()
		m.log.Warn("bus health probe failed", "error", err)
	}
	h.LatencyMS = time.Since(start).Milliseconds()
	m.metrics.SetBusHealthy(h.Bus == StatusOK)
	return h
}

func (m *Monitor) roundTrip(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	if err := m.bus.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	channel := m.ProbeChannel()
	sub, err := m.bus.Subscribe(ctx, channel)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Close()

	nonce := uuid.NewString()
	probe, err := domain.NewPayload(domain.EventHeartbeat, "probe:"+m.cfg.InstanceID, nil, nonce, m.clock.Now())
	if err != nil {
		return err
	}
	if err := m.bus.Publish(ctx, channel, probe); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	for {
		select {
		case p, ok := <-sub.C():
			if !ok {
				return port.ErrBusClosed
			}
			// Concurrent probes share the channel.
			if p.CorrelationID == nonce {
				return nil
			}
		case <-ctx.Done():
			return fmt.Errorf("await probe: %w", ctx.Err())
		}
	}
}
