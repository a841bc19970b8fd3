// Package memory is a single-process message bus for development and tests.
// It does not fan out across instances and is never chosen implicitly.
package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/strogmv/notify/internal/domain"
	"github.com/strogmv/notify/internal/pkg/fanout"
	"github.com/strogmv/notify/internal/port"
)

type Bus struct {
	hub    *fanout.Hub
	closed atomic.Bool
}

func New(bufSize int, onDrop func(channel string)) *Bus {
	return &Bus{hub: fanout.New(bufSize, onDrop)}
}

func (b *Bus) Publish(ctx context.Context, channel string, payload domain.NotificationPayload) error {
	if b.closed.Load() {
		return port.ErrBusClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.hub.Deliver(channel, payload)
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, channel string) (port.Subscription, error) {
	if b.closed.Load() {
		return nil, port.ErrBusClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub, _ := b.hub.Add(channel)
	return &subscription{hub: b.hub, sub: sub}, nil
}

func (b *Bus) Ping(context.Context) error {
	if b.closed.Load() {
		return port.ErrBusClosed
	}
	return nil
}

// Subscribers returns the number of open subscriptions on channel.
func (b *Bus) Subscribers(channel string) int {
	return b.hub.Subscribers(channel)
}

func (b *Bus) Close() error {
	if b.closed.CompareAndSwap(false, true) {
		b.hub.CloseAll()
	}
	return nil
}

type subscription struct {
	hub  *fanout.Hub
	sub  *fanout.Sub
	once sync.Once
}

func (s *subscription) C() <-chan domain.NotificationPayload { return s.sub.C() }

func (s *subscription) Close() error {
	s.once.Do(func() { s.hub.Remove(s.sub) })
	return nil
}
