// Package redis implements the message bus on Redis pub/sub.
//
// A process holds one shared PubSub connection. A channel is SUBSCRIBEd when its first
// local subscriber arrives and UNSUBSCRIBEd when the last one leaves; a single dispatch
// goroutine reads the connection, so messages of a channel reach local subscribers in
// publish order.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/strogmv/notify/internal/domain"
	"github.com/strogmv/notify/internal/pkg/fanout"
	"github.com/strogmv/notify/internal/port"
)

const (
	subscribeTimeout   = 5 * time.Second
	unsubscribeTimeout = 2 * time.Second
)

type Bus struct {
	client *redis.Client
	pubsub *redis.PubSub
	hub    *fanout.Hub
	log    *slog.Logger

	// mu guards channels and closed. It is never held across network I/O.
	mu       sync.Mutex
	channels map[string]*channelState
	closed   bool

	waitMu  sync.Mutex
	waiters map[string][]chan struct{}

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// channelState tracks the Redis side of one channel. At most one SUBSCRIBE or
// UNSUBSCRIBE is in flight per channel; callers wait on ready or gone with their own context.
type channelState struct {
	refs    int
	settled bool
	leaving bool
	err     error
	ready   chan struct{}
	gone    chan struct{}
}

// New starts the dispatch loop on a fresh PubSub connection. The caller keeps ownership of client.
func New(client *redis.Client, bufSize int, onDrop func(channel string), log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	b := &Bus{
		client:   client,
		pubsub:   client.Subscribe(context.Background()),
		hub:      fanout.New(bufSize, onDrop),
		log:      log.With("component", "bus.redis"),
		channels: make(map[string]*channelState),
		waiters:  make(map[string][]chan struct{}),
		done:     make(chan struct{}),
	}
	b.wg.Add(1)
	go b.dispatch(b.pubsub.ChannelWithSubscriptions())
	return b
}

func (b *Bus) dispatch(in <-chan interface{}) {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			switch m := msg.(type) {
			case *redis.Subscription:
				if m.Kind == "subscribe" {
					b.confirm(m.Channel)
				}
			case *redis.Message:
				payload, err := domain.UnmarshalPayload([]byte(m.Payload))
				if err != nil {
					b.log.Warn("dropping undecodable message", "channel", m.Channel, "error", err)
					continue
				}
				b.hub.Deliver(m.Channel, payload)
			}
		}
	}
}

func (b *Bus) Publish(ctx context.Context, channel string, payload domain.NotificationPayload) error {
	select {
	case <-b.done:
		return port.ErrBusClosed
	default:
	}
	raw, err := payload.Marshal()
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if err := b.client.Publish(ctx, channel, raw).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the channel subscription, so anything
// published afterwards is delivered. It gives up when ctx ends even if Redis has not answered.
func (b *Bus) Subscribe(ctx context.Context, channel string) (port.Subscription, error) {
	st, err := b.acquire(ctx, channel)
	if err != nil {
		return nil, err
	}
	select {
	case <-st.ready:
		if st.err != nil {
			_ = b.releaseRef(channel, st)
			return nil, fmt.Errorf("redis subscribe %s: %w", channel, st.err)
		}
	case <-ctx.Done():
		_ = b.releaseRef(channel, st)
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, ctx.Err())
	case <-b.done:
		return nil, port.ErrBusClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, port.ErrBusClosed
	}
	sub, _ := b.hub.Add(channel)
	return &subscription{bus: b, state: st, sub: sub}, nil
}

// acquire takes a reference on the channel, starting a SUBSCRIBE for the first one.
// A channel that is being torn down, or whose SUBSCRIBE failed, is waited out first.
func (b *Bus) acquire(ctx context.Context, channel string) (*channelState, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, port.ErrBusClosed
		}
		st := b.channels[channel]
		if st == nil {
			st = &channelState{refs: 1, ready: make(chan struct{}), gone: make(chan struct{})}
			b.channels[channel] = st
			b.wg.Add(1)
			b.mu.Unlock()
			go b.establish(channel, st)
			return st, nil
		}
		if !st.leaving {
			st.refs++
			b.mu.Unlock()
			return st, nil
		}
		gone := st.gone
		b.mu.Unlock()

		select {
		case <-gone:
		case <-ctx.Done():
			return nil, fmt.Errorf("redis subscribe %s: %w", channel, ctx.Err())
		case <-b.done:
			return nil, port.ErrBusClosed
		}
	}
}

func (b *Bus) establish(channel string, st *channelState) {
	defer b.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()

	confirmed := b.expect(channel)
	err := b.pubsub.Subscribe(ctx, channel)
	if err == nil {
		select {
		case <-confirmed:
		case <-ctx.Done():
			err = ctx.Err()
		case <-b.done:
			err = port.ErrBusClosed
		}
	}
	if err != nil {
		b.forget(channel)
		b.log.Warn("subscribe failed", "channel", channel, "error", err)
	}

	b.mu.Lock()
	st.err = err
	st.settled = true
	close(st.ready)
	// Nobody is left to use the subscription, or it never worked.
	teardown := err != nil || st.refs == 0
	if teardown {
		st.leaving = true
	}
	b.mu.Unlock()

	if teardown {
		_ = b.teardown(channel, st)
	}
}

// releaseRef drops one reference. The last reference on a settled channel unsubscribes it.
func (b *Bus) releaseRef(channel string, st *channelState) error {
	b.mu.Lock()
	st.refs--
	teardown := st.refs == 0 && st.settled && !st.leaving && !b.closed
	if teardown {
		st.leaving = true
	}
	b.mu.Unlock()
	if !teardown {
		return nil
	}
	return b.teardown(channel, st)
}

func (b *Bus) teardown(channel string, st *channelState) error {
	var err error
	select {
	case <-b.done:
	default:
		ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
		err = b.pubsub.Unsubscribe(ctx, channel)
		cancel()
	}

	b.mu.Lock()
	if b.channels[channel] == st {
		delete(b.channels, channel)
	}
	b.mu.Unlock()
	close(st.gone)

	if err != nil {
		return fmt.Errorf("redis unsubscribe %s: %w", channel, err)
	}
	return nil
}

func (b *Bus) release(s *subscription) error {
	if removed, _ := b.hub.Remove(s.sub); !removed {
		return nil
	}
	return b.releaseRef(s.sub.Channel(), s.state)
}

func (b *Bus) expect(channel string) <-chan struct{} {
	ch := make(chan struct{})
	b.waitMu.Lock()
	b.waiters[channel] = append(b.waiters[channel], ch)
	b.waitMu.Unlock()
	return ch
}

func (b *Bus) confirm(channel string) {
	b.waitMu.Lock()
	waiting := b.waiters[channel]
	delete(b.waiters, channel)
	b.waitMu.Unlock()
	for _, ch := range waiting {
		close(ch)
	}
}

func (b *Bus) forget(channel string) {
	b.waitMu.Lock()
	delete(b.waiters, channel)
	b.waitMu.Unlock()
}

func (b *Bus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Subscribers returns the number of local subscribers on channel.
func (b *Bus) Subscribers(channel string) int {
	return b.hub.Subscribers(channel)
}

func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		close(b.done)
		err = b.pubsub.Close()
		b.wg.Wait()
		b.hub.CloseAll()
	})
	return err
}

type subscription struct {
	bus   *Bus
	state *channelState
	sub   *fanout.Sub
	once  sync.Once
	err   error
}

func (s *subscription) C() <-chan domain.NotificationPayload { return s.sub.C() }

func (s *subscription) Close() error {
	s.once.Do(func() { s.err = s.bus.release(s) })
	return s.err
}
