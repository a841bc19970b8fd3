package port

import (
	"context"
	"time"
)

// PresenceStore keeps a cluster-wide view of which connections are live, so counts
// survive beyond a single instance's registry.
type PresenceStore interface {
	Touch(ctx context.Context, userID, connectionID string, at time.Time) error
	Remove(ctx context.Context, userID, connectionID string) error
	// CountActive returns connections for userID touched at or after since.
	CountActive(ctx context.Context, userID string, since time.Time) (int, error)
}
