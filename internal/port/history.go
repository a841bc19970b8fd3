package port

import (
	"context"

	"github.com/strogmv/notify/internal/domain"
)

// NotificationHistory persists published notifications for the surrounding system.
// Live delivery never reads from it.
type NotificationHistory interface {
	Record(ctx context.Context, payload domain.NotificationPayload) error
}
