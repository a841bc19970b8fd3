package port

import (
	"context"
	"errors"

	"github.com/strogmv/notify/internal/domain"
)

var ErrBusClosed = errors.New("message bus closed")

// MessageBus is a channel-scoped publish/subscribe broker shared by every server instance.
type MessageBus interface {
	// Publish sends payload to all current subscribers of channel. Broker failures are returned.
	Publish(ctx context.Context, channel string, payload domain.NotificationPayload) error
	// Subscribe opens a live-only feed of channel starting now.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	// Ping checks broker connectivity.
	Ping(ctx context.Context) error
	Close() error
}

// Subscription is one cancellable feed from the bus.
type Subscription interface {
	// C yields payloads in publish order. It is closed after Close or when the bus drops the subscription.
	C() <-chan domain.NotificationPayload
	// Close releases broker-side state. Safe to call more than once.
	Close() error
}
