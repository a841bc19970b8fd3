package http

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/strogmv/notify/internal/domain"
	"github.com/strogmv/notify/internal/pkg/errors"
	"github.com/strogmv/notify/internal/port"
	"github.com/strogmv/notify/internal/service"
)

const maxPublishBody = 64 << 10

// Publish accepts a notification from a trusted caller. 202 means the bus accepted it, which
// does not imply any client was connected to receive it.
func (h *Handler) Publish(w http.ResponseWriter, r *http.Request) {
	var req port.NotifyRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPublishBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		errors.WriteError(w, r, errors.New(http.StatusBadRequest, "Bad Request", "invalid JSON body"))
		return
	}
	if err := validate.StructCtx(r.Context(), req); err != nil {
		errors.WriteError(w, r, errors.New(http.StatusBadRequest, "Validation Failed", err.Error()))
		return
	}

	res, err := h.notifier.Notify(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, res)
	case stderrors.Is(err, domain.ErrInvalidPayload):
		errors.WriteError(w, r, errors.New(http.StatusBadRequest, "Validation Failed", err.Error()))
	case stderrors.Is(err, service.ErrPublishFailed):
		writeJSON(w, http.StatusServiceUnavailable, res)
	default:
		errors.WriteError(w, r, err)
	}
}
