// Package rest exposes the supervisor over a small JSON HTTP API.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"

	"github.com/kennethnrk/npu-supervisor/internal/common/constants"
	"github.com/kennethnrk/npu-supervisor/internal/container"
	"github.com/kennethnrk/npu-supervisor/internal/discovery"
	"github.com/kennethnrk/npu-supervisor/internal/hostinfo"
	"github.com/kennethnrk/npu-supervisor/internal/lifecycle"
	"github.com/kennethnrk/npu-supervisor/internal/models"
	"github.com/kennethnrk/npu-supervisor/internal/registry"
	"github.com/kennethnrk/npu-supervisor/internal/telemetry"
)

const mimeJSON = "application/json; charset=utf-8"

// Error is the JSON body of every non-2xx response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type ServiceController interface {
	Start(ctx context.Context, req lifecycle.StartRequest) (registry.Service, error)
	Stop(ctx context.Context, id string) (bool, error)
	Remove(ctx context.Context, id string) bool
	Get(id string) (registry.Service, bool)
	List() []registry.Service
	RefreshAll(ctx context.Context) error
	RunningCount() int
}

type DeviceSource interface {
	Fetch(ctx context.Context) ([]telemetry.Device, error)
}

type Containers interface {
	Name() constants.ContainerRuntime
	Available() bool
	ListContainers(ctx context.Context, keyword string, runningOnly bool) ([]container.Container, error)
	Logs(ctx context.Context, containerName string, lines int) (string, error)
}

type Discoverer interface {
	Discover(ctx context.Context) ([]discovery.Service, error)
	Kill(ctx context.Context, containerName string, pid int) error
}

type ModelCatalog interface {
	List(ctx context.Context) (models.Listing, error)
}

// Deps are the components the handler serves.
type Deps struct {
	Services   ServiceController
	Devices    DeviceSource
	Containers Containers
	Discoverer Discoverer
	// Models defaults to an empty catalog.
	Models ModelCatalog
	// HostInfo defaults to hostinfo.Collect.
	HostInfo func(ctx context.Context) hostinfo.Info
}

// Handler wraps the supervisor components, adding http.Handler functionality.
type Handler struct {
	d      Deps
	r      *mux.Router
	logger *slog.Logger
}

func NewHandler(d Deps, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if d.Models == nil {
		d.Models = models.NewCatalog(nil, "", logger)
	}
	if d.HostInfo == nil {
		d.HostInfo = func(ctx context.Context) hostinfo.Info {
			return hostinfo.Collect(ctx, logger)
		}
	}

	r := mux.NewRouter()
	h := &Handler{d: d, r: r, logger: logger}

	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", h.status).Methods(http.MethodGet)
	api.HandleFunc("/npu/status", h.npuStatus).Methods(http.MethodGet)
	api.HandleFunc("/containers", h.listContainers).Methods(http.MethodGet)
	api.HandleFunc("/containers/{name}/logs", h.containerLogs).Methods(http.MethodGet)
	api.HandleFunc("/services", h.listServices).Methods(http.MethodGet)
	api.HandleFunc("/services", h.startService).Methods(http.MethodPost)
	api.HandleFunc("/services/{id}", h.getService).Methods(http.MethodGet)
	api.HandleFunc("/services/{id}", h.removeService).Methods(http.MethodDelete)
	api.HandleFunc("/services/{id}/stop", h.stopService).Methods(http.MethodPost)
	api.HandleFunc("/models", h.listModels).Methods(http.MethodGet)
	api.HandleFunc("/discovered", h.listDiscovered).Methods(http.MethodGet)
	api.HandleFunc("/discovered/kill", h.killDiscovered).Methods(http.MethodPost)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.r.ServeHTTP(w, req)
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", mimeJSON)
	w.WriteHeader(code)
	w.Write(b)
}

func (h *Handler) writeError(w http.ResponseWriter, code int, msg string) {
	h.writeJSON(w, code, &Error{Code: code, Message: msg})
}

// writeErr maps component errors to status codes.
func (h *Handler) writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, container.ErrRuntimeUnavailable):
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, lifecycle.ErrInvalidRequest):
		h.writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("request failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"runtime": h.d.Containers.Name(),
	})
}

// status gathers containers, devices and host facts concurrently.
func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var (
		wg         sync.WaitGroup
		containers []container.Container
		devices    []telemetry.Device
		host       hostinfo.Info
		devErr     error
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		var err error
		if containers, err = h.d.Containers.ListContainers(ctx, "", true); err != nil {
			h.logger.Debug("container listing failed", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		devices, devErr = h.d.Devices.Fetch(ctx)
	}()
	go func() {
		defer wg.Done()
		host = h.d.HostInfo(ctx)
	}()
	wg.Wait()

	if devErr != nil {
		h.writeErr(w, devErr)
		return
	}
	if containers == nil {
		containers = []container.Container{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"runtime":       h.d.Containers.Name(),
		"containers":    containers,
		"npu_status":    devices,
		"host":          host,
		"running_count": h.d.Services.RunningCount(),
	})
}

func (h *Handler) npuStatus(w http.ResponseWriter, r *http.Request) {
	devices, err := h.d.Devices.Fetch(r.Context())
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"npus": devices})
}

func (h *Handler) listContainers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	runningOnly, _ := strconv.ParseBool(q.Get("running_only"))

	containers, err := h.d.Containers.ListContainers(r.Context(), q.Get("keyword"), runningOnly)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"containers": containers})
}

func (h *Handler) containerLogs(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	lines := 200
	if v := r.URL.Query().Get("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "lines must be a positive integer")
			return
		}
		lines = n
	}

	logs, err := h.d.Containers.Logs(r.Context(), name, lines)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"container": name, "logs": logs})
}

func (h *Handler) listModels(w http.ResponseWriter, r *http.Request) {
	listing, err := h.d.Models.List(r.Context())
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, listing)
}
