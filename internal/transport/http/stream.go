package http

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/strogmv/notify/internal/domain"
	"github.com/strogmv/notify/internal/pkg/errors"
	"github.com/strogmv/notify/internal/service"
)

const (
	eventConnected = "connected"
	eventClose     = "close"
)

// openStream maps SubscribeForStream failures to problem responses. It reports false when a
// response was written.
func (h *Handler) openStream(w http.ResponseWriter, r *http.Request) (string, <-chan domain.NotificationPayload, bool) {
	userID := CurrentUserID(r)
	id, feed, err := h.hub.SubscribeForStream(r.Context(), userID)
	if err == nil {
		return id, feed, true
	}
	h.log.Warn("stream open rejected", "user_id", userID, "error", err)
	switch {
	case stderrors.Is(err, service.ErrShuttingDown):
		errors.WriteError(w, r, errors.New(http.StatusServiceUnavailable, "Service Unavailable", "server is shutting down"))
	case stderrors.Is(err, service.ErrBusUnavailable):
		errors.WriteError(w, r, errors.New(http.StatusServiceUnavailable, "Service Unavailable", "notification bus unavailable"))
	default:
		errors.WriteError(w, r, err)
	}
	return "", nil, false
}

// Stream serves the user's notifications as server-sent events until the client goes away
// or the feed ends.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	id, feed, ok := h.openStream(w, r)
	if !ok {
		return
	}
	defer h.hub.CloseStream(id)
	log := h.log.With("connection_id", id, "user_id", CurrentUserID(r))

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := h.writeEvent(w, rc, eventConnected, map[string]string{"connection_id": id}); err != nil {
		log.Debug("stream write failed", "error", err)
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case p, ok := <-feed:
			if !ok {
				_ = h.writeEvent(w, rc, eventClose, map[string]string{"connection_id": id})
				return
			}
			if err := h.writeEvent(w, rc, string(p.EventType), p); err != nil {
				log.Debug("stream write failed", "error", err)
				return
			}
			if err := h.acknowledge(r, id, p); err != nil {
				_ = h.writeEvent(w, rc, eventClose, map[string]string{"connection_id": id})
				return
			}
		}
	}
}

// acknowledge records a successful write. An error means the connection is no longer known.
func (h *Handler) acknowledge(r *http.Request, id string, p domain.NotificationPayload) error {
	if p.EventType == domain.EventHeartbeat {
		return h.hub.Touch(r.Context(), id)
	}
	return h.hub.Delivered(r.Context(), id)
}

func (h *Handler) writeEvent(w http.ResponseWriter, rc *http.ResponseController, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}
	if err := rc.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout)); err != nil && !stderrors.Is(err, http.ErrNotSupported) {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	if err := rc.Flush(); err != nil && !stderrors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

// Heartbeat lets an SSE client acknowledge it is alive. 404 tells the client to reconnect.
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "connectionID")
	owner, ok := h.hub.Owner(id)
	if !ok || owner != CurrentUserID(r) {
		errors.WriteError(w, r, errors.New(http.StatusNotFound, "Not Found", "unknown connection, reconnect"))
		return
	}
	if err := h.hub.Touch(r.Context(), id); err != nil {
		if stderrors.Is(err, domain.ErrUnknownConnection) {
			errors.WriteError(w, r, errors.New(http.StatusNotFound, "Not Found", "unknown connection, reconnect"))
			return
		}
		errors.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
