package http

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/strogmv/notify/internal/domain"
)

const wsReadLimit = 4096

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origins are enforced by the CORS policy and the bearer token.
	CheckOrigin: func(*http.Request) bool { return true },
}

type wsFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// WebSocket serves the same feed as Stream over WebSocket text frames. Pongs and any message
// from the client count as heartbeats.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	id, feed, ok := h.openStream(w, r)
	if !ok {
		return
	}
	defer h.hub.CloseStream(id)
	log := h.log.With("connection_id", id, "user_id", CurrentUserID(r))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	alive := func() error {
		if err := h.hub.Touch(ctx, id); err != nil {
			return err
		}
		return conn.SetReadDeadline(time.Now().Add(h.opts.IdleTimeout))
	}
	_ = conn.SetReadDeadline(time.Now().Add(h.opts.IdleTimeout))
	conn.SetReadLimit(wsReadLimit)
	conn.SetPongHandler(func(string) error { return alive() })

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				log.Debug("websocket read ended", "error", err)
				return
			}
			if err := alive(); err != nil {
				return
			}
		}
	}()

	write := func(event string, v any) error {
		if err := conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout)); err != nil {
			return err
		}
		return conn.WriteJSON(wsFrame{Event: event, Data: v})
	}

	if err := write(eventConnected, map[string]string{"connection_id": id}); err != nil {
		return
	}
	for {
		select {
		case <-readerDone:
			return
		case p, ok := <-feed:
			if !ok {
				_ = write(eventClose, map[string]string{"connection_id": id})
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"),
					time.Now().Add(h.opts.WriteTimeout))
				return
			}
			if err := write(string(p.EventType), p); err != nil {
				log.Debug("websocket write failed", "error", err)
				return
			}
			if p.EventType == domain.EventHeartbeat {
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.opts.WriteTimeout)); err != nil {
					return
				}
				continue
			}
			if err := h.hub.Delivered(ctx, id); err != nil {
				return
			}
		}
	}
}
