// Package fanout is the in-process half of every bus driver: it maps channel names to
// local subscribers and delivers to each through its own bounded buffer.
//
// Delivery never blocks. When a subscriber's buffer is full the message is dropped for
// that subscriber only and the drop hook fires.
package fanout

import (
	"sync"

	"github.com/strogmv/notify/internal/domain"
)

const DefaultBuffer = 64

// Hub holds the local subscribers of every channel.
type Hub struct {
	mu      sync.RWMutex
	topics  map[string]map[uint64]*Sub
	nextID  uint64
	bufSize int
	onDrop  func(channel string)
}

// Sub is one local subscriber.
type Sub struct {
	id      uint64
	channel string
	ch      chan domain.NotificationPayload
}

func (s *Sub) Channel() string { return s.channel }

func (s *Sub) C() <-chan domain.NotificationPayload { return s.ch }

// New returns a hub whose subscribers buffer bufSize messages. onDrop may be nil.
func New(bufSize int, onDrop func(channel string)) *Hub {
	if bufSize <= 0 {
		bufSize = DefaultBuffer
	}
	return &Hub{
		topics:  make(map[string]map[uint64]*Sub),
		bufSize: bufSize,
		onDrop:  onDrop,
	}
}

// Add registers a subscriber on channel. first is true when the channel had no local subscribers.
func (h *Hub) Add(channel string) (sub *Sub, first bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub = &Sub{
		id:      h.nextID,
		channel: channel,
		ch:      make(chan domain.NotificationPayload, h.bufSize),
	}
	subs, ok := h.topics[channel]
	if !ok {
		subs = make(map[uint64]*Sub)
		h.topics[channel] = subs
	}
	subs[sub.id] = sub
	return sub, !ok
}

// Remove unregisters sub and closes its feed. removed is false when sub was already gone;
// last is true when the channel has no local subscribers left.
func (h *Hub) Remove(sub *Sub) (removed, last bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.topics[sub.channel]
	if !ok {
		return false, false
	}
	if _, ok := subs[sub.id]; !ok {
		return false, false
	}
	delete(subs, sub.id)
	close(sub.ch)
	if len(subs) == 0 {
		delete(h.topics, sub.channel)
		return true, true
	}
	return true, false
}

// Deliver hands payload to every local subscriber of channel and returns how many accepted it.
func (h *Hub) Deliver(channel string, payload domain.NotificationPayload) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, sub := range h.topics[channel] {
		select {
		case sub.ch <- payload:
			delivered++
		default:
			if h.onDrop != nil {
				h.onDrop(channel)
			}
		}
	}
	return delivered
}

// Subscribers returns the number of local subscribers on channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[channel])
}

// Channels lists channels with at least one local subscriber.
func (h *Hub) Channels() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.topics))
	for ch := range h.topics {
		out = append(out, ch)
	}
	return out
}

// CloseAll drops every subscriber and closes their feeds.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for channel, subs := range h.topics {
		for _, sub := range subs {
			close(sub.ch)
		}
		delete(h.topics, channel)
	}
}
