package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (h *Handler) Connections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.monitor.Connections())
}

func (h *Handler) UserConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.monitor.UserConnections(r.Context(), chi.URLParam(r, "userID")))
}

func (h *Handler) MetricsSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.monitor.Metrics())
}

// Health is 200 when the bus round trip succeeds and the publish breaker is not open, else 503.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	health := h.monitor.Health(r.Context())
	status := http.StatusOK
	if !health.OK() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}
