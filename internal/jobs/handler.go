package jobs

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/genforge/credits/internal/middleware"
	"github.com/genforge/credits/internal/models"
)

// Request/response structs (snake_case JSON).

type CreateJobRequest struct {
	Kind         models.JobKind  `json:"kind"`
	InputPayload json.RawMessage `json:"input_payload"`
	ContainerID  *uuid.UUID      `json:"container_id,omitempty"`
}

type PublishRequest struct {
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type CreateContainerRequest struct {
	ExpectedCount int `json:"expected_count"`
}

type SuccessRequest struct {
	ArtifactRef string `json:"artifact_ref"`
}

type FailureRequest struct {
	ErrorMessage string `json:"error_message"`
}

type Handler struct {
	svc Service
	log *slog.Logger
}

func NewHandler(svc Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

// ---------------------------------------------------------------------------
// User routes
// ---------------------------------------------------------------------------

// CreateJob handles POST /v1/jobs. The cost comes from the quote middleware.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized"))
		return
	}
	quote, ok := middleware.QuoteFromCtx(r.Context())
	if !ok {
		h.log.Error("create job reached handler without a quote")
		writeJSON(w, http.StatusInternalServerError, errorBody("pricing unavailable"))
		return
	}
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON"))
		return
	}
	job, err := h.svc.CreateJob(r.Context(), CreateJobInput{
		UserID:      userID,
		Kind:        quote.Kind,
		Payload:     req.InputPayload,
		Cost:        quote.Cost,
		ContainerID: req.ContainerID,
	})
	if errors.Is(err, ErrDispatchFailed) && job != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error": "job could not be dispatched and was refunded, try again",
			"job":   job,
		})
		return
	}
	if err != nil {
		h.writeError(w, r, "create job", err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// ListJobs handles GET /v1/jobs?state=&limit=.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized"))
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, errorBody("limit must be a positive integer"))
			return
		}
		limit = n
	}
	list, err := h.svc.ListJobs(r.Context(), userID, models.JobState(r.URL.Query().Get("state")), limit)
	if err != nil {
		h.writeError(w, r, "list jobs", err)
		return
	}
	if list == nil {
		list = []*models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

// GetJob handles GET /v1/jobs/{id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	userID, jobID, ok := h.userAndJob(w, r)
	if !ok {
		return
	}
	job, err := h.svc.GetJob(r.Context(), jobID, userID)
	if err != nil {
		h.writeError(w, r, "get job", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// Publish handles POST /v1/jobs/{id}/publish.
func (h *Handler) Publish(w http.ResponseWriter, r *http.Request) {
	userID, jobID, ok := h.userAndJob(w, r)
	if !ok {
		return
	}
	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON"))
		return
	}
	job, err := h.svc.Publish(r.Context(), jobID, userID, req.Metadata)
	if err != nil {
		h.writeError(w, r, "publish job", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// Delete handles DELETE /v1/jobs/{id}.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, jobID, ok := h.userAndJob(w, r)
	if !ok {
		return
	}
	job, err := h.svc.Delete(r.Context(), jobID, userID)
	if err != nil {
		h.writeError(w, r, "delete job", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// CreateContainer handles POST /v1/containers.
func (h *Handler) CreateContainer(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized"))
		return
	}
	var req CreateContainerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON"))
		return
	}
	c, err := h.svc.CreateContainer(r.Context(), userID, req.ExpectedCount)
	if err != nil {
		h.writeError(w, r, "create container", err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// ---------------------------------------------------------------------------
// Worker callbacks
// ---------------------------------------------------------------------------

// Progress handles POST /internal/jobs/{id}/progress.
func (h *Handler) Progress(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	if err := h.svc.ReportProgress(r.Context(), jobID); err != nil {
		h.writeError(w, r, "report progress", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Success handles POST /internal/jobs/{id}/success.
func (h *Handler) Success(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	var req SuccessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON"))
		return
	}
	if err := h.svc.ReportSuccess(r.Context(), jobID, req.ArtifactRef); err != nil {
		h.writeError(w, r, "report success", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Failure handles POST /internal/jobs/{id}/failure.
func (h *Handler) Failure(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	var req FailureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON"))
		return
	}
	if err := h.svc.ReportFailure(r.Context(), jobID, req.ErrorMessage); err != nil {
		h.writeError(w, r, "report failure", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (h *Handler) userAndJob(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized"))
		return uuid.Nil, uuid.Nil, false
	}
	jobID, ok := jobIDParam(w, r)
	return userID, jobID, ok
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid job id"))
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error(op+" failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorBody(msg))
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, ErrInsufficientBalance):
		return http.StatusPaymentRequired, "insufficient balance"
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict, err.Error()
	case errors.Is(err, ErrDispatchFailed), errors.Is(err, models.ErrTransientStore):
		return http.StatusServiceUnavailable, "try again"
	default:
		return http.StatusInternalServerError, "try again"
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
