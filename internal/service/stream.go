package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/strogmv/notify/internal/domain"
	"github.com/strogmv/notify/internal/pkg/metrics"
	"github.com/strogmv/notify/internal/port"
)

// Reasons a stream is torn down; they label the closed-connections metric.
const (
	ReasonClosed   = "closed"
	ReasonStale    = "stale"
	ReasonUnknown  = "unknown"
	ReasonBusLost  = "bus_lost"
	ReasonOrphan   = "orphan"
	ReasonShutdown = "shutdown"
)

const presenceTimeout = time.Second

// stream is one live connection: its bus subscription, the pump goroutine feeding out,
// and the heartbeat injections.
type stream struct {
	id        string
	userID    string
	channel   string
	createdAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	sub    port.Subscription
	out    chan domain.NotificationPayload
	closed bool

	presenceAt atomic.Int64
}

// offer queues p without blocking. It returns false if the stream is closed or its buffer is full.
func (st *stream) offer(p domain.NotificationPayload) (accepted, open bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return false, false
	}
	select {
	case st.out <- p:
		return true, true
	default:
		return false, true
	}
}

// swap installs a replacement subscription. It reports false when the stream closed meanwhile.
func (st *stream) swap(sub port.Subscription) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return false
	}
	st.sub = sub
	return true
}

// shutdown closes the feed and hands back the subscription for the caller to release.
// Only the first call returns a subscription.
func (st *stream) shutdown() port.Subscription {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil
	}
	st.closed = true
	st.cancel()
	close(st.out)
	sub := st.sub
	st.sub = nil
	return sub
}

// SubscribeForStream registers a connection for userID, subscribes it to the user's channel
// and returns the connection id with the feed the caller writes to the client.
func (s *Service) SubscribeForStream(ctx context.Context, userID string) (string, <-chan domain.NotificationPayload, error) {
	if s.closing.Load() {
		return "", nil, ErrShuttingDown
	}
	info, err := s.registry.Register(userID)
	if err != nil {
		return "", nil, fmt.Errorf("register connection: %w", err)
	}

	subCtx, cancel := context.WithTimeout(ctx, s.opts.SubscribeTimeout)
	sub, err := s.bus.Subscribe(subCtx, info.Channel)
	cancel()
	if err != nil {
		s.registry.Unregister(info.ConnectionID)
		s.log.Error("bus subscribe failed", "user_id", userID, "channel", info.Channel, "error", err)
		return "", nil, fmt.Errorf("%w: %w", ErrBusUnavailable, err)
	}

	stCtx, stCancel := context.WithCancel(context.Background())
	st := &stream{
		id:        info.ConnectionID,
		userID:    userID,
		channel:   info.Channel,
		createdAt: info.CreatedAt,
		ctx:       stCtx,
		cancel:    stCancel,
		sub:       sub,
		out:       make(chan domain.NotificationPayload, s.opts.StreamBuffer),
	}
	s.streams.Store(st.id, st)
	if s.closing.Load() {
		s.finish(st.id, ReasonShutdown)
		return "", nil, ErrShuttingDown
	}

	go s.pump(st, sub)
	s.touchPresence(st, info.CreatedAt, true)
	s.metrics.StreamOpened()
	s.log.Info("stream opened", "connection_id", st.id, "user_id", userID)
	return st.id, st.out, nil
}

// pump forwards bus messages into the stream's feed until the stream closes. If the bus
// drops the subscription, it re-subscribes with backoff and force-closes the stream on failure.
func (s *Service) pump(st *stream, sub port.Subscription) {
	for {
		select {
		case <-st.ctx.Done():
			return
		case p, ok := <-sub.C():
			if !ok {
				if st.ctx.Err() != nil {
					return
				}
				next, err := s.resubscribe(st)
				if err != nil {
					s.log.Error("bus subscription lost", "connection_id", st.id, "user_id", st.userID, "error", err)
					s.finish(st.id, ReasonBusLost)
					return
				}
				sub = next
				continue
			}
			if p.UserID != st.userID {
				s.log.Warn("payload for another user on channel", "channel", st.channel, "payload_user_id", p.UserID)
				continue
			}
			accepted, open := st.offer(p)
			if !open {
				return
			}
			if !accepted {
				s.metrics.Dropped(metrics.DropStream)
				s.log.Debug("stream buffer full, message dropped", "connection_id", st.id)
			}
		}
	}
}

func (s *Service) resubscribe(st *stream) (port.Subscription, error) {
	s.log.Warn("bus subscription ended, re-subscribing", "connection_id", st.id, "channel", st.channel)
	sub, err := backoff.Retry(st.ctx, func() (port.Subscription, error) {
		ctx, cancel := context.WithTimeout(st.ctx, s.opts.SubscribeTimeout)
		defer cancel()
		sub, err := s.bus.Subscribe(ctx, st.channel)
		if errors.Is(err, port.ErrBusClosed) {
			return nil, backoff.Permanent(err)
		}
		return sub, err
	},
		backoff.WithBackOff(s.newBackOff()),
		backoff.WithMaxTries(uint(s.opts.PublishRetries)+1),
	)
	if err != nil {
		return nil, err
	}
	if !st.swap(sub) {
		_ = sub.Close()
		return nil, context.Canceled
	}
	return sub, nil
}

// CloseStream tears the connection down. Calling it again, or after eviction, is a no-op.
func (s *Service) CloseStream(connectionID string) {
	s.finish(connectionID, ReasonClosed)
}

// finish is the single cleanup path for closed, evicted and orphaned connections: the bus
// subscription is released once, the registry entry removed and the feed closed.
func (s *Service) finish(connectionID, reason string) bool {
	info, _ := s.registry.Get(connectionID)
	return s.finishClaimed(info, connectionID, reason, false)
}

// finishClaimed runs the cleanup. evicted is true when the caller already took the
// registry entry out, so Unregister can no longer tell it apart from a concurrent finisher.
func (s *Service) finishClaimed(info domain.ConnectionInfo, connectionID, reason string, evicted bool) bool {
	v, owned := s.streams.LoadAndDelete(connectionID)
	if owned {
		st := v.(*stream)
		info.UserID = st.userID
		if sub := st.shutdown(); sub != nil {
			if err := sub.Close(); err != nil {
				s.log.Warn("bus unsubscribe failed", "connection_id", connectionID, "error", err)
			}
		}
	}
	removed := s.registry.Unregister(connectionID)
	if !owned && !removed && !evicted {
		return false
	}

	if s.presence != nil && info.UserID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
		if err := s.presence.Remove(ctx, info.UserID, connectionID); err != nil {
			s.log.Debug("presence remove failed", "connection_id", connectionID, "error", err)
		}
		cancel()
	}
	// Only the caller that won the stream or the registry entry reports the close.
	if !owned && !removed {
		return false
	}
	s.metrics.Closed(reason)
	s.log.Info("stream closed", "connection_id", connectionID, "user_id", info.UserID, "reason", reason)
	return true
}

// Touch records that the client behind connectionID is alive, either because a write to it
// succeeded or because it acknowledged a heartbeat. An unknown connection is force-closed
// and ErrUnknownConnection tells the caller to reconnect.
func (s *Service) Touch(ctx context.Context, connectionID string) error {
	if err := s.registry.Heartbeat(connectionID); err != nil {
		s.finish(connectionID, ReasonUnknown)
		return fmt.Errorf("heartbeat %s: %w", connectionID, err)
	}
	if v, ok := s.streams.Load(connectionID); ok {
		s.touchPresence(v.(*stream), s.clock.Now(), false)
	}
	return nil
}

// Delivered is Touch for a payload that was written to the client.
func (s *Service) Delivered(ctx context.Context, connectionID string) error {
	if err := s.Touch(ctx, connectionID); err != nil {
		return err
	}
	s.metrics.Delivered()
	return nil
}

// touchPresence refreshes the shared presence entry at most twice per heartbeat interval.
func (s *Service) touchPresence(st *stream, at time.Time, force bool) {
	if s.presence == nil {
		return
	}
	last := st.presenceAt.Load()
	if !force && at.Sub(time.Unix(0, last)) < s.opts.HeartbeatInterval/2 {
		return
	}
	if !st.presenceAt.CompareAndSwap(last, at.UnixNano()) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := s.presence.Touch(ctx, st.userID, st.id, at); err != nil {
		s.log.Debug("presence touch failed", "connection_id", st.id, "error", err)
	}
}

// Owner returns the user that owns a stream held by this process.
func (s *Service) Owner(connectionID string) (string, bool) {
	v, ok := s.streams.Load(connectionID)
	if !ok {
		return "", false
	}
	return v.(*stream).userID, true
}

// StreamCount is the number of streams this process is driving.
func (s *Service) StreamCount() int {
	n := 0
	s.streams.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
