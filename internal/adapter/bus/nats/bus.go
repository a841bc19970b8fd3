// Package nats implements the message bus on core NATS subjects.
// Each local subscriber gets its own NATS subscription on the shared connection.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	natspkg "github.com/nats-io/nats.go"

	"github.com/strogmv/notify/internal/domain"
	"github.com/strogmv/notify/internal/pkg/fanout"
	"github.com/strogmv/notify/internal/port"
)

const flushTimeout = 2 * time.Second

type Bus struct {
	nc      *natspkg.Conn
	bufSize int
	onDrop  func(channel string)
	log     *slog.Logger

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// Connect dials url and keeps reconnecting forever; subscriptions are restored by the client.
// An unreachable server at startup is retried in the background and shows up as failed pings.
func Connect(url string, bufSize int, onDrop func(channel string), log *slog.Logger) (*Bus, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "bus.nats")
	nc, err := natspkg.Connect(url,
		natspkg.Name("notifyd"),
		natspkg.MaxReconnects(-1),
		natspkg.RetryOnFailedConnect(true),
		natspkg.DisconnectErrHandler(func(_ *natspkg.Conn, err error) {
			log.Warn("nats disconnected", "error", err)
		}),
		natspkg.ReconnectHandler(func(c *natspkg.Conn) {
			log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return New(nc, bufSize, onDrop, log), nil
}

// New wraps an established connection.
func New(nc *natspkg.Conn, bufSize int, onDrop func(channel string), log *slog.Logger) *Bus {
	if bufSize <= 0 {
		bufSize = fanout.DefaultBuffer
	}
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		nc:      nc,
		bufSize: bufSize,
		onDrop:  onDrop,
		log:     log,
		subs:    make(map[*subscription]struct{}),
	}
}

func (b *Bus) IsConnected() bool {
	return b.nc != nil && b.nc.Status() == natspkg.CONNECTED
}

func (b *Bus) Publish(ctx context.Context, channel string, payload domain.NotificationPayload) error {
	raw, err := payload.Marshal()
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if err := b.nc.Publish(channel, raw); err != nil {
		return fmt.Errorf("nats publish %s: %w", channel, err)
	}
	if err := b.flush(ctx); err != nil {
		return fmt.Errorf("nats publish %s: %w", channel, err)
	}
	return nil
}

// flush waits for the server to acknowledge everything written so far.
func (b *Bus) flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flushTimeout)
		defer cancel()
	}
	return b.nc.FlushWithContext(ctx)
}

func (b *Bus) Subscribe(ctx context.Context, channel string) (port.Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, port.ErrBusClosed
	}
	b.mu.Unlock()

	s := &subscription{
		bus:     b,
		channel: channel,
		ch:      make(chan domain.NotificationPayload, b.bufSize),
	}
	ns, err := b.nc.Subscribe(channel, s.handle)
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", channel, err)
	}
	s.ns = ns
	if err := b.flush(ctx); err != nil {
		_ = ns.Unsubscribe()
		return nil, fmt.Errorf("nats subscribe %s: %w", channel, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		_ = ns.Unsubscribe()
		return nil, port.ErrBusClosed
	}
	b.subs[s] = struct{}{}
	return s, nil
}

func (b *Bus) Ping(ctx context.Context) error {
	if !b.IsConnected() {
		return fmt.Errorf("nats status %s", b.nc.Status())
	}
	return b.flush(ctx)
}

func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for s := range subs {
		_ = s.Close()
	}
	b.nc.Close()
	return nil
}

func (b *Bus) forget(s *subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

type subscription struct {
	bus     *Bus
	channel string
	ns      *natspkg.Subscription
	ch      chan domain.NotificationPayload

	mu     sync.Mutex
	closed bool
}

func (s *subscription) handle(msg *natspkg.Msg) {
	payload, err := domain.UnmarshalPayload(msg.Data)
	if err != nil {
		s.bus.log.Warn("dropping undecodable message", "channel", s.channel, "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- payload:
	default:
		if s.bus.onDrop != nil {
			s.bus.onDrop(s.channel)
		}
	}
}

func (s *subscription) C() <-chan domain.NotificationPayload { return s.ch }

func (s *subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	s.bus.forget(s)
	if err := s.ns.Unsubscribe(); err != nil && !errors.Is(err, natspkg.ErrConnectionClosed) && !errors.Is(err, natspkg.ErrBadSubscription) {
		return fmt.Errorf("nats unsubscribe %s: %w", s.channel, err)
	}
	return nil
}
