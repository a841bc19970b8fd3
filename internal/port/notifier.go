package port

import (
	"context"

	"github.com/strogmv/notify/internal/domain"
)

// NotifyRequest is the input of a publish from a trusted caller.
type NotifyRequest struct {
	UserID        string           `json:"user_id" validate:"required,max=128"`
	EventType     domain.EventType `json:"event_type" validate:"required,oneof=progress stage_complete error heartbeat"`
	Data          map[string]any   `json:"data"`
	CorrelationID string           `json:"correlation_id" validate:"omitempty,max=128"`
}

// DeliveryResult reports the publish step only; it says nothing about whether a client received it.
type DeliveryResult struct {
	Published     bool   `json:"published"`
	Attempts      int    `json:"attempts"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Notifier is the surface other parts of the platform use to push events.
type Notifier interface {
	Notify(ctx context.Context, req NotifyRequest) (DeliveryResult, error)
}

// StreamHub is the surface the stream endpoints use.
type StreamHub interface {
	SubscribeForStream(ctx context.Context, userID string) (string, <-chan domain.NotificationPayload, error)
	CloseStream(connectionID string)
	Touch(ctx context.Context, connectionID string) error
	Delivered(ctx context.Context, connectionID string) error
	Owner(connectionID string) (string, bool)
}
