package payments

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
)

const maxWebhookBody = 64 << 10

type Handler struct {
	processor *Processor
	log       *slog.Logger
}

func NewHandler(p *Processor, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{processor: p, log: log}
}

// Webhook handles POST /webhooks/payments. Any durable decision, including a
// rejection, answers 200 so the gateway stops redelivering; only transient
// failures answer 500.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "read body"})
		return
	}
	if len(body) > maxWebhookBody {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "body too large"})
		return
	}

	res, err := h.processor.HandleEvent(r.Context(), body, r.Header.Get(SignatureHeader))
	switch {
	case errors.Is(err, ErrInvalidPurchaseEvent):
		writeJSON(w, http.StatusOK, map[string]any{"status": "rejected"})
	case err != nil:
		h.log.Error("purchase event failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "try again"})
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":         "ok",
			"event_id":       res.EventID,
			"credited":       res.Credited,
			"transaction_id": res.TransactionID,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
