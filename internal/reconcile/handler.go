package reconcile

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/genforge/credits/internal/middleware"
	"github.com/genforge/credits/internal/models"
)

type SweepResponse struct {
	Failed int `json:"failed"`
}

type Handler struct {
	engine *Engine
	log    *slog.Logger
}

func NewHandler(engine *Engine, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{engine: engine, log: log}
}

// GetContainer handles GET /v1/containers/{id}. Reading a container
// reconciles it; if storage cannot be probed the stored record is served.
func (h *Handler) GetContainer(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized"))
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid container id"))
		return
	}
	c, err := h.engine.repo.GetContainer(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if c.UserID != userID {
		writeJSON(w, http.StatusForbidden, errorBody("forbidden"))
		return
	}
	report, err := h.engine.ReconcileArtifacts(r.Context(), id)
	if err != nil {
		h.log.Warn("reconcile on read failed; serving stored container", "container_id", id, "error", err)
		writeJSON(w, http.StatusOK, c)
		return
	}
	writeJSON(w, http.StatusOK, report.Container)
}

// Sweep handles POST /internal/reconcile/sweep. An optional max_age query
// parameter overrides the per-kind thresholds.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	var maxAge time.Duration
	if v := r.URL.Query().Get("max_age"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody("max_age must be a positive duration"))
			return
		}
		maxAge = d
	}
	n, err := h.engine.SweepStaleJobs(r.Context(), maxAge)
	if err != nil {
		h.log.Error("sweep finished with errors", "failed", n, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("try again"))
		return
	}
	writeJSON(w, http.StatusOK, SweepResponse{Failed: n})
}

// ReconcileContainer handles POST /internal/reconcile/containers/{id}.
func (h *Handler) ReconcileContainer(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid container id"))
		return
	}
	report, err := h.engine.ReconcileArtifacts(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
	case errors.Is(err, models.ErrTransientStore):
		writeJSON(w, http.StatusServiceUnavailable, errorBody("try again"))
	default:
		h.log.Error("reconcile request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("try again"))
	}
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
