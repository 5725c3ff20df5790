package payments

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

func postWebhook(h *Handler, body []byte, sig string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(body))
	if sig != "" {
		req.Header.Set(SignatureHeader, sig)
	}
	rec := httptest.NewRecorder()
	h.Webhook(rec, req)
	return rec
}

func TestHandler_Webhook(t *testing.T) {
	p, st := newTestProcessor(t, nil)
	h := NewHandler(p, nil)
	userID := uuid.New()
	body := eventBody(t, Event{EventID: "evt_1", UserID: userID, Package: "pack50", Credits: 50, AmountCents: 499})
	sig := Sign(testSecret, body)

	t.Run("credited", func(t *testing.T) {
		rec := postWebhook(h, body, sig)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		var resp map[string]any
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
		if resp["credited"] != true {
			t.Errorf("expected credited=true, got %v", resp)
		}
	})

	t.Run("redelivery acknowledged", func(t *testing.T) {
		rec := postWebhook(h, body, sig)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var resp map[string]any
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
		if resp["credited"] != false {
			t.Errorf("expected credited=false, got %v", resp)
		}
	})

	t.Run("forged event acknowledged but not credited", func(t *testing.T) {
		rec := postWebhook(h, body, "deadbeef")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var resp map[string]any
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
		if resp["status"] != "rejected" {
			t.Errorf("expected rejected, got %v", resp)
		}
	})

	t.Run("transient failure asks for redelivery", func(t *testing.T) {
		other := eventBody(t, Event{EventID: "evt_2", UserID: userID, Package: "pack50", Credits: 50, AmountCents: 499})
		st.FailCommits(100)
		defer st.FailCommits(0)
		rec := postWebhook(h, other, Sign(testSecret, other))
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("expected 500, got %d", rec.Code)
		}
	})

	t.Run("oversized body", func(t *testing.T) {
		big := bytes.Repeat([]byte("x"), maxWebhookBody+1)
		rec := postWebhook(h, big, Sign(testSecret, big))
		if rec.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("expected 413, got %d", rec.Code)
		}
	})

	if got := st.Balance(userID); got != 50 {
		t.Errorf("expected balance 50 after all deliveries, got %d", got)
	}
}
