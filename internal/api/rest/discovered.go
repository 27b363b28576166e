package rest

import (
	"encoding/json"
	"net/http"

	"github.com/kennethnrk/npu-supervisor/internal/discovery"
)

type killRequest struct {
	Container string `json:"container"`
	PID       int    `json:"pid"`
}

func (h *Handler) listDiscovered(w http.ResponseWriter, r *http.Request) {
	services, err := h.d.Discoverer.Discover(r.Context())
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if services == nil {
		services = []discovery.Service{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"services": services, "count": len(services)})
}

func (h *Handler) killDiscovered(w http.ResponseWriter, r *http.Request) {
	var body killRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Container == "" {
		h.writeError(w, http.StatusBadRequest, "container is required")
		return
	}

	if err := h.d.Discoverer.Kill(r.Context(), body.Container, body.PID); err != nil {
		h.logger.Warn("kill discovered service failed", "container", body.Container, "pid", body.PID, "error", err)
		h.writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
