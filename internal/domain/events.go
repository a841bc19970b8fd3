package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"
)

// EventType enumerates the kinds of payload pushed to clients.
type EventType string

const (
	EventProgress      EventType = "progress"
	EventStageComplete EventType = "stage_complete"
	EventError         EventType = "error"
	EventHeartbeat     EventType = "heartbeat"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventProgress, EventStageComplete, EventError, EventHeartbeat:
		return true
	}
	return false
}

// Droppable reports whether a failed publish of this type is dropped without retry.
func (t EventType) Droppable() bool {
	return t == EventHeartbeat
}

var ErrInvalidPayload = errors.New("invalid notification payload")

// NotificationPayload is the unit of delivery. Build it with NewPayload and treat it as read-only.
type NotificationPayload struct {
	EventType     EventType      `json:"event_type"`
	UserID        string         `json:"user_id"`
	Data          map[string]any `json:"data,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// NewPayload validates its input and copies data so later changes by the caller are not observed.
func NewPayload(eventType EventType, userID string, data map[string]any, correlationID string, at time.Time) (NotificationPayload, error) {
	if !eventType.Valid() {
		return NotificationPayload{}, fmt.Errorf("%w: unknown event type %q", ErrInvalidPayload, eventType)
	}
	if userID == "" {
		return NotificationPayload{}, fmt.Errorf("%w: user id is required", ErrInvalidPayload)
	}
	var copied map[string]any
	if eventType != EventHeartbeat && len(data) > 0 {
		copied = maps.Clone(data)
	}
	return NotificationPayload{
		EventType:     eventType,
		UserID:        userID,
		Data:          copied,
		Timestamp:     at.UTC(),
		CorrelationID: correlationID,
	}, nil
}

// Heartbeat builds the synthetic keep-alive payload for a user.
func Heartbeat(userID string, at time.Time) NotificationPayload {
	return NotificationPayload{EventType: EventHeartbeat, UserID: userID, Timestamp: at.UTC()}
}

func (p NotificationPayload) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalPayload decodes a payload received from the bus.
func UnmarshalPayload(raw []byte) (NotificationPayload, error) {
	var p NotificationPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return NotificationPayload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if !p.EventType.Valid() || p.UserID == "" {
		return NotificationPayload{}, fmt.Errorf("%w: missing event type or user id", ErrInvalidPayload)
	}
	return p, nil
}
