package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/strogmv/notify/internal/domain"
	"github.com/strogmv/notify/internal/pkg/circuitbreaker"
	"github.com/strogmv/notify/internal/pkg/logger"
	"github.com/strogmv/notify/internal/pkg/metrics"
	"github.com/strogmv/notify/internal/port"
)

var (
	ErrPublishFailed  = errors.New("publish failed")
	ErrBusUnavailable = errors.New("message bus unavailable")
	ErrShuttingDown   = errors.New("notification service shutting down")
)

const historyTimeout = time.Second

type Options struct {
	HeartbeatInterval time.Duration
	StaleThreshold    time.Duration
	SweepInterval     time.Duration
	ReconcileInterval time.Duration
	PublishTimeout    time.Duration
	PublishRetries    int
	PublishBackoff    time.Duration
	SubscribeTimeout  time.Duration
	StreamBuffer      int
}

func (o *Options) setDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 20 * time.Second
	}
	if o.StaleThreshold <= 0 {
		o.StaleThreshold = 3 * o.HeartbeatInterval
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = o.HeartbeatInterval / 2
	}
	if o.ReconcileInterval <= 0 {
		o.ReconcileInterval = 30 * time.Second
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 250 * time.Millisecond
	}
	if o.PublishBackoff <= 0 {
		o.PublishBackoff = 50 * time.Millisecond
	}
	if o.SubscribeTimeout <= 0 {
		o.SubscribeTimeout = 2 * time.Second
	}
	if o.StreamBuffer <= 0 {
		o.StreamBuffer = 64
	}
}

// Deps are the collaborators of the service. Presence and History are optional.
type Deps struct {
	Bus      port.MessageBus
	Registry port.ConnectionRegistry
	Presence port.PresenceStore
	History  port.NotificationHistory
	Metrics  *metrics.Metrics
	Breaker  *circuitbreaker.Breaker
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Service publishes notifications and owns every push stream of this process.
type Service struct {
	opts     Options
	bus      port.MessageBus
	registry port.ConnectionRegistry
	presence port.PresenceStore
	history  port.NotificationHistory
	metrics  *metrics.Metrics
	breaker  *circuitbreaker.Breaker
	clock    clock.Clock
	log      *slog.Logger
	tracer   trace.Tracer

	streams sync.Map // connection id -> *stream
	closing atomic.Bool
}

func New(opts Options, deps Deps) *Service {
	opts.setDefaults()
	if deps.Clock == nil {
		deps.Clock = clock.WallClock
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Breaker == nil {
		deps.Breaker = circuitbreaker.NewBreaker(10, 5*time.Second, 1, deps.Clock)
	}
	return &Service{
		opts:     opts,
		bus:      deps.Bus,
		registry: deps.Registry,
		presence: deps.Presence,
		history:  deps.History,
		metrics:  deps.Metrics,
		breaker:  deps.Breaker,
		clock:    deps.Clock,
		log:      deps.Logger.With("component", "notification_service"),
		tracer:   otel.Tracer("github.com/strogmv/notify/internal/service"),
	}
}

// Notify publishes one event on the user's channel. The result reports the publish step only.
// Heartbeats get a single attempt; other events are retried with backoff before giving up.
func (s *Service) Notify(ctx context.Context, req port.NotifyRequest) (port.DeliveryResult, error) {
	ctx, span := s.tracer.Start(ctx, "notify", trace.WithAttributes(
		attribute.String("notify.user_id", req.UserID),
		attribute.String("notify.event_type", string(req.EventType)),
	))
	defer span.End()
	log := logger.From(ctx, s.log)

	correlationID := req.CorrelationID
	if correlationID == "" && req.EventType != domain.EventHeartbeat {
		correlationID = uuid.NewString()
	}
	payload, err := domain.NewPayload(req.EventType, req.UserID, req.Data, correlationID, s.clock.Now())
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return port.DeliveryResult{}, err
	}
	result := port.DeliveryResult{CorrelationID: correlationID}
	channel := domain.ChannelForUser(req.UserID)

	maxTries := uint(1)
	if !req.EventType.Droppable() {
		maxTries += uint(s.opts.PublishRetries)
	}
	start := time.Now()
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		result.Attempts++
		return struct{}{}, s.publishOnce(ctx, channel, payload)
	},
		backoff.WithBackOff(s.newBackOff()),
		backoff.WithMaxTries(maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("publish attempt failed, retrying",
				"user_id", req.UserID, "event_type", req.EventType,
				"attempt", result.Attempts, "retry_in", next, "error", err)
		}),
	)
	s.metrics.ObservePublish(string(req.EventType), err == nil, time.Since(start))
	span.SetAttributes(attribute.Int("notify.attempts", result.Attempts))

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if req.EventType.Droppable() {
			log.Debug("heartbeat dropped", "user_id", req.UserID, "error", err)
		} else {
			log.Error("publish failed",
				"user_id", req.UserID, "event_type", req.EventType,
				"correlation_id", correlationID, "attempts", result.Attempts, "error", err)
		}
		return result, fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	result.Published = true

	if s.history != nil && !req.EventType.Droppable() {
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyTimeout)
		if err := s.history.Record(hctx, payload); err != nil {
			log.Warn("record notification history", "correlation_id", correlationID, "error", err)
		}
		cancel()
	}
	return result, nil
}

func (s *Service) publishOnce(ctx context.Context, channel string, payload domain.NotificationPayload) error {
	if !s.breaker.Allow() {
		return backoff.Permanent(ErrBusUnavailable)
	}
	pctx, cancel := context.WithTimeout(ctx, s.opts.PublishTimeout)
	defer cancel()
	if err := s.bus.Publish(pctx, channel, payload); err != nil {
		s.breaker.RecordFailure()
		return err
	}
	s.breaker.RecordSuccess()
	return nil
}

func (s *Service) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.PublishBackoff
	b.MaxInterval = 20 * s.opts.PublishBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	return b
}

// BreakerState exposes the bus circuit breaker for health reporting.
func (s *Service) BreakerState() circuitbreaker.State {
	return s.breaker.State()
}
