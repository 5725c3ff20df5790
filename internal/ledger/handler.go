package ledger

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/genforge/credits/internal/middleware"
	"github.com/genforge/credits/internal/models"
)

type BalanceResponse struct {
	UserID        string `json:"user_id"`
	Balance       int64  `json:"balance"`
	TotalCredited int64  `json:"total_credited"`
	TotalDebited  int64  `json:"total_debited"`
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

// GetBalance handles GET /v1/balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	acc, err := h.svc.GetBalance(r.Context(), userID)
	if err != nil {
		h.log.Error("get balance failed", "user_id", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "try again"})
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{
		UserID:        acc.UserID.String(),
		Balance:       acc.Balance,
		TotalCredited: acc.TotalCredited,
		TotalDebited:  acc.TotalDebited,
	})
}

// ListTransactions handles GET /v1/transactions?limit=N.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	list, err := h.svc.History(r.Context(), userID, limit)
	if err != nil {
		h.log.Error("list transactions failed", "user_id", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "try again"})
		return
	}
	if list == nil {
		list = []*models.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": list})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
