package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rlops/reward-assignment/internal/dispatch"
	"github.com/rlops/reward-assignment/internal/dispatcher"
	"github.com/rlops/reward-assignment/internal/worker"
)

// Handler routes control-plane requests to the dispatcher and worker.
type Handler struct {
	dispatcher *dispatcher.Dispatcher
	worker     *worker.Worker
	logger     *slog.Logger

	// dispatching guards against overlapping ticks within this process.
	// Cross-process exclusion stays with the deployment's scheduler.
	dispatching atomic.Bool
}

func NewHandler(d *dispatcher.Dispatcher, w *worker.Worker, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{dispatcher: d, worker: w, logger: logger}
}

// Register mounts the control-plane routes.
func (h *Handler) Register(r chi.Router) {
	r.Post("/v1/dispatch", h.handleDispatch)
	r.Post("/v1/assign", h.handleAssign)
	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (h *Handler) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var event dispatcher.Event
	if err := decodeBody(r, &event); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if !h.dispatching.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, errors.New("a dispatch tick is already running"))
		return
	}
	defer h.dispatching.Store(false)

	if err := h.dispatcher.Dispatch(r.Context(), event); err != nil {
		h.logger.Error("dispatch tick failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "dispatched"})
}

func (h *Handler) handleAssign(w http.ResponseWriter, r *http.Request) {
	var payload dispatch.WorkerPayload
	if err := decodeBody(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.ProjectName == "" || payload.ShardID == "" {
		writeError(w, http.StatusBadRequest, errors.New("project_name and shard_id are required"))
		return
	}

	if err := h.worker.AssignRewards(r.Context(), payload); err != nil {
		h.logger.Error("assignment pass failed",
			slog.String("project", payload.ProjectName),
			slog.String("shard", payload.ShardID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "assigned"})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodeBody tolerates an empty body; every field of every control-plane
// request has a usable zero value.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
