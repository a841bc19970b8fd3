package port

import (
	"time"

	"github.com/strogmv/notify/internal/domain"
)

// ConnectionRegistry tracks every live stream owned by this process.
type ConnectionRegistry interface {
	Register(userID string) (domain.ConnectionInfo, error)
	Heartbeat(connectionID string) error
	Unregister(connectionID string) bool
	SweepStale(threshold time.Duration) []domain.ConnectionInfo
	Get(connectionID string) (domain.ConnectionInfo, bool)
	CountForUser(userID string) int
	TotalCount() int
	Users() map[string]int
	Snapshot() []domain.ConnectionInfo
}
