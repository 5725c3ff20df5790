package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/genforge/credits/internal/models"
)

const ctxQuoteKey contextKey = "job_quote"

// maxJobBody bounds the create-job body the quote middleware buffers.
const maxJobBody = 1 << 20

// Quote is the price attached to a create-job request before it reaches the handler.
type Quote struct {
	Kind models.JobKind
	Cost int64
}

// QuoteFromCtx returns the quote set by JobQuote.
func QuoteFromCtx(ctx context.Context) (Quote, bool) {
	q, ok := ctx.Value(ctxQuoteKey).(Quote)
	return q, ok
}

// WithQuote returns a context carrying q.
func WithQuote(ctx context.Context, q Quote) context.Context {
	return context.WithValue(ctx, ctxQuoteKey, q)
}

// JobQuote peeks the "kind" of a create-job body, rejects kinds without a
// price, and stores the server-side cost in context. The body is restored so
// the handler can decode it again. Clients never choose the cost.
func JobQuote(prices map[models.JobKind]int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxJobBody+1))
			r.Body.Close()
			if err != nil {
				writeError(w, "failed to read body", http.StatusBadRequest)
				return
			}
			if len(bodyBytes) > maxJobBody {
				writeError(w, "request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

			var peek struct {
				Kind models.JobKind `json:"kind"`
			}
			if err := json.Unmarshal(bodyBytes, &peek); err != nil {
				writeError(w, "invalid JSON body", http.StatusBadRequest)
				return
			}
			cost, ok := prices[peek.Kind]
			if !ok || !peek.Kind.Valid() {
				writeError(w, fmt.Sprintf("job kind %q is not offered", peek.Kind), http.StatusUnprocessableEntity)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithQuote(r.Context(), Quote{Kind: peek.Kind, Cost: cost})))
		})
	}
}

// writeError sends {"error": msg} with the given status.
func writeError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
