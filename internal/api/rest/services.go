package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/kennethnrk/npu-supervisor/internal/container"
	"github.com/kennethnrk/npu-supervisor/internal/lifecycle"
)

// startRequest is the body of POST /api/services. Either Command or Serve
// must be set; Serve is rendered into a vllm serve command line.
type startRequest struct {
	Container string                 `json:"container"`
	Command   string                 `json:"command"`
	Model     string                 `json:"model"`
	Port      int                    `json:"port"`
	Devices   []int                  `json:"npu_devices"`
	Serve     *lifecycle.ServeConfig `json:"serve,omitempty"`
}

func (h *Handler) listServices(w http.ResponseWriter, r *http.Request) {
	if err := h.d.Services.RefreshAll(r.Context()); err != nil {
		h.logger.Warn("service refresh failed", "error", err)
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"services":      h.d.Services.List(),
		"running_count": h.d.Services.RunningCount(),
	})
}

func (h *Handler) startService(w http.ResponseWriter, r *http.Request) {
	var body startRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	req := lifecycle.StartRequest{
		Container: body.Container,
		Command:   body.Command,
		Model:     body.Model,
		Port:      body.Port,
		Devices:   body.Devices,
	}
	if req.Command == "" && body.Serve != nil {
		serve := *body.Serve
		if serve.Port == 0 {
			serve.Port = req.Port
		}
		if serve.Devices == nil {
			serve.Devices = req.Devices
		}
		req.Command = lifecycle.BuildServeCommand(serve)
		req.Port = serve.Port
		req.Devices = serve.Devices
		if req.Model == "" {
			req.Model = serve.Model
		}
	}

	svc, err := h.d.Services.Start(r.Context(), req)
	if err != nil {
		if errors.Is(err, container.ErrRuntimeUnavailable) {
			h.writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"code":    http.StatusServiceUnavailable,
				"message": err.Error(),
				"service": svc,
			})
			return
		}
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]any{
		"service_id": svc.ID,
		"command":    svc.Command,
		"service":    svc,
	})
}

func (h *Handler) getService(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.d.Services.Get(mux.Vars(r)["id"])
	if !ok {
		h.writeError(w, http.StatusNotFound, "service not found")
		return
	}
	h.writeJSON(w, http.StatusOK, svc)
}

func (h *Handler) stopService(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := h.d.Services.Get(id); !ok {
		h.writeError(w, http.StatusNotFound, "service not found")
		return
	}

	ok, err := h.d.Services.Stop(r.Context(), id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	svc, _ := h.d.Services.Get(id)
	h.writeJSON(w, http.StatusOK, map[string]any{"success": ok, "service": svc})
}

func (h *Handler) removeService(w http.ResponseWriter, r *http.Request) {
	if !h.d.Services.Remove(r.Context(), mux.Vars(r)["id"]) {
		h.writeError(w, http.StatusNotFound, "service not found")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
