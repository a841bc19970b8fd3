package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juju/clock"
	goredis "github.com/redis/go-redis/v9"

	"github.com/strogmv/notify/internal/adapter/bus/memory"
	natsbus "github.com/strogmv/notify/internal/adapter/bus/nats"
	redisbus "github.com/strogmv/notify/internal/adapter/bus/redis"
	"github.com/strogmv/notify/internal/adapter/history/postgres"
	"github.com/strogmv/notify/internal/adapter/identity/jwt"
	presencemem "github.com/strogmv/notify/internal/adapter/presence/memory"
	presenceredis "github.com/strogmv/notify/internal/adapter/presence/redis"
	"github.com/strogmv/notify/internal/config"
	"github.com/strogmv/notify/internal/monitoring"
	"github.com/strogmv/notify/internal/pkg/circuitbreaker"
	"github.com/strogmv/notify/internal/pkg/metrics"
	"github.com/strogmv/notify/internal/port"
	"github.com/strogmv/notify/internal/registry"
	"github.com/strogmv/notify/internal/service"
	transporthttp "github.com/strogmv/notify/internal/transport/http"
)

type Container struct {
	Config  *config.Config
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	Redis *goredis.Client
	DB    *pgxpool.Pool

	Bus      port.MessageBus
	Registry *registry.Registry
	Presence port.PresenceStore
	History  port.NotificationHistory
	Auth     port.Authenticator

	Service *service.Service
	Monitor *monitoring.Monitor
	Handler *transporthttp.Handler

	closers []func() error
}

func NewContainer(ctx context.Context, cfg *config.Config, log *slog.Logger) (c *Container, err error) {
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	c = &Container{
		Config:  cfg,
		Logger:  log,
		Metrics: metrics.New(),
	}
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	clk := clock.WallClock
	onDrop := func(string) { c.Metrics.Dropped(metrics.DropBus) }

	switch cfg.BusDriver {
	case config.BusRedis:
		c.Redis = redisbus.NewClient(redisbus.ClientConfig{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			DialTimeout:  cfg.RedisDialTimeout,
			ReadTimeout:  cfg.RedisReadTimeout,
			WriteTimeout: cfg.RedisWriteTimeout,
		})
		c.closers = append(c.closers, c.Redis.Close)
		if err := c.Redis.Ping(ctx).Err(); err != nil {
			log.Warn("redis not reachable at startup", "addr", cfg.RedisAddr, "error", err)
		}
		bus := redisbus.New(c.Redis, cfg.StreamBuffer, onDrop, log)
		c.Bus = bus
		c.Presence = presenceredis.NewStore(c.Redis, cfg.StaleThreshold())
	case config.BusNATS:
		bus, err := natsbus.Connect(cfg.NATSURL, cfg.StreamBuffer, onDrop, log)
		if err != nil {
			return nil, err
		}
		c.Bus = bus
		c.Presence = presencemem.NewStore()
	case config.BusMemory:
		log.Warn("using in-process message bus; notifications do not cross instances")
		c.Bus = memory.New(cfg.StreamBuffer, onDrop)
		c.Presence = presencemem.NewStore()
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.BusDriver)
	}
	// The bus closes before the redis client it may share.
	c.closers = append([]func() error{c.Bus.Close}, c.closers...)

	if cfg.DatabaseURL != "" {
		c.DB, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect history database: %w", err)
		}
		c.closers = append(c.closers, func() error { c.DB.Close(); return nil })
		store := postgres.NewStore(c.DB)
		if err := store.Migrate(ctx); err != nil {
			return nil, err
		}
		c.History = store
	}

	c.Registry = registry.New(clk)
	c.Metrics.TrackConnections(c.Registry.TotalCount)
	c.Auth = jwt.New(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience)

	c.Service = service.New(service.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		StaleThreshold:    cfg.StaleThreshold(),
		SweepInterval:     cfg.SweepInterval,
		ReconcileInterval: cfg.ReconcileInterval,
		PublishTimeout:    cfg.PublishTimeout,
		PublishRetries:    cfg.PublishRetries,
		PublishBackoff:    cfg.PublishBackoff,
		StreamBuffer:      cfg.StreamBuffer,
	}, service.Deps{
		Bus:      c.Bus,
		Registry: c.Registry,
		Presence: c.Presence,
		History:  c.History,
		Metrics:  c.Metrics,
		Breaker:  circuitbreaker.NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown, 1, clk),
		Clock:    clk,
		Logger:   log,
	})

	c.Monitor = monitoring.New(monitoring.Config{
		InstanceID:     cfg.InstanceID,
		ProbeTimeout:   cfg.HealthProbeTimeout,
		StaleThreshold: cfg.StaleThreshold(),
	}, c.Registry, c.Bus, c.Presence, c.Metrics, c.Service.BreakerState, clk, log)

	c.Handler = transporthttp.NewHandler(transporthttp.Options{
		InternalToken: cfg.InternalToken,
		WriteTimeout:  cfg.StreamWriteTimeout,
		IdleTimeout:   cfg.StaleThreshold(),
		CORSOrigins:   cfg.CORSOrigins,
	}, c.Service, c.Service, c.Auth, c.Monitor, c.Metrics, log)

	return c, nil
}

// Server builds the HTTP server. Shutting it down drains every stream first.
func (c *Container) Server() *http.Server {
	srv := &http.Server{
		Addr:              c.Config.HTTPAddr,
		Handler:           c.Handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.RegisterOnShutdown(func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.Config.ShutdownTimeout)
		defer cancel()
		if err := c.Service.Shutdown(ctx); err != nil {
			c.Logger.Warn("stream drain incomplete", "error", err)
		}
	})
	return srv
}

// Close releases external connections in reverse dependency order.
func (c *Container) Close() error {
	var first error
	for _, closeFn := range c.closers {
		if err := closeFn(); err != nil && first == nil {
			first = err
		}
	}
	c.closers = nil
	return first
}
