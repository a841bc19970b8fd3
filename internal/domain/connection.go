package domain

import (
	"errors"
	"time"
)

const userChannelPrefix = "notifications:user:"

// ErrUnknownConnection means the connection was already closed or evicted; the client should reconnect.
var ErrUnknownConnection = errors.New("unknown connection")

// ChannelForUser returns the bus channel that carries every notification for userID.
func ChannelForUser(userID string) string {
	return userChannelPrefix + userID
}

// ConnectionInfo describes one open push stream.
type ConnectionInfo struct {
	ConnectionID    string    `json:"connection_id"`
	UserID          string    `json:"user_id"`
	CreatedAt       time.Time `json:"created_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	Channel         string    `json:"channel"`
	Alive           bool      `json:"alive"`
}

// StaleAt reports whether the connection has gone without a heartbeat for longer than threshold.
func (c ConnectionInfo) StaleAt(now time.Time, threshold time.Duration) bool {
	return now.Sub(c.LastHeartbeatAt) > threshold
}
