package payments

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/genforge/credits/internal/ledger"
	"github.com/genforge/credits/internal/models"
	"github.com/genforge/credits/internal/testutil"
)

const testSecret = "whsec_test"

var testPrices = PriceTable{
	"pack50": {Credits: 50, AmountCents: 499},
}

func newTestProcessor(t *testing.T, v Velocity) (*Processor, *testutil.Store) {
	t.Helper()
	st := testutil.NewStore()
	p := NewProcessor(ledger.NewService(st, st, nil), v, Config{Secret: testSecret, Prices: testPrices}, nil)
	return p, st
}

func eventBody(t *testing.T, e Event) []byte {
	t.Helper()
	b, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestHandleEvent_RedeliveryCreditsOnce(t *testing.T) {
	ctx := context.Background()
	p, st := newTestProcessor(t, nil)
	userID := uuid.New()
	body := eventBody(t, Event{EventID: "evt_1", UserID: userID, Package: "pack50", Credits: 50, AmountCents: 499})
	sig := Sign(testSecret, body)

	first, err := p.HandleEvent(ctx, body, sig)
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if !first.Credited {
		t.Error("expected first delivery to credit")
	}
	second, err := p.HandleEvent(ctx, body, sig)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if second.Credited {
		t.Error("expected redelivery not to credit")
	}
	if second.TransactionID != first.TransactionID {
		t.Errorf("redelivery reported transaction %s, want %s", second.TransactionID, first.TransactionID)
	}

	if got := st.Balance(userID); got != 50 {
		t.Errorf("expected balance 50, got %d", got)
	}
	purchases := st.Transactions(userID, models.TxKindPurchase)
	if len(purchases) != 1 {
		t.Fatalf("expected 1 purchase, got %d", len(purchases))
	}
	if ref := purchases[0].RelatedExternalEventID; ref == nil || *ref != "evt_1" {
		t.Errorf("expected related event evt_1, got %v", ref)
	}
}

func TestHandleEvent_ConcurrentRedelivery(t *testing.T) {
	p, st := newTestProcessor(t, nil)
	userID := uuid.New()
	body := eventBody(t, Event{EventID: "evt_race", UserID: userID, Package: "pack50", Credits: 50, AmountCents: 499})
	sig := Sign(testSecret, body)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		credited int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.HandleEvent(context.Background(), body, sig)
			if err != nil {
				t.Errorf("HandleEvent: %v", err)
				return
			}
			if res.Credited {
				mu.Lock()
				credited++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if credited != 1 {
		t.Errorf("expected exactly one crediting delivery, got %d", credited)
	}
	if got := st.Balance(userID); got != 50 {
		t.Errorf("expected balance 50, got %d", got)
	}
}

func TestHandleEvent_Rejections(t *testing.T) {
	userID := uuid.New()
	valid := Event{EventID: "evt_x", UserID: userID, Package: "pack50", Credits: 50, AmountCents: 499}

	tests := []struct {
		name    string
		body    func(t *testing.T) []byte
		sign    func(body []byte) string
		wantErr error
	}{
		{
			name:    "bad signature",
			body:    func(t *testing.T) []byte { return eventBody(t, valid) },
			sign:    func([]byte) string { return Sign("other-secret", []byte("x")) },
			wantErr: ErrInvalidSignature,
		},
		{
			name:    "missing signature",
			body:    func(t *testing.T) []byte { return eventBody(t, valid) },
			sign:    func([]byte) string { return "" },
			wantErr: ErrInvalidSignature,
		},
		{
			name: "inflated credits",
			body: func(t *testing.T) []byte {
				e := valid
				e.Credits = 5000
				return eventBody(t, e)
			},
			sign:    func(b []byte) string { return Sign(testSecret, b) },
			wantErr: ErrPriceMismatch,
		},
		{
			name: "underpaid",
			body: func(t *testing.T) []byte {
				e := valid
				e.AmountCents = 1
				return eventBody(t, e)
			},
			sign:    func(b []byte) string { return Sign(testSecret, b) },
			wantErr: ErrPriceMismatch,
		},
		{
			name: "unknown package",
			body: func(t *testing.T) []byte {
				e := valid
				e.Package = "mega"
				return eventBody(t, e)
			},
			sign:    func(b []byte) string { return Sign(testSecret, b) },
			wantErr: ErrPriceMismatch,
		},
		{
			name:    "malformed json",
			body:    func(*testing.T) []byte { return []byte(`{"event_id":`) },
			sign:    func(b []byte) string { return Sign(testSecret, b) },
			wantErr: ErrMalformedEvent,
		},
		{
			name: "missing event id",
			body: func(t *testing.T) []byte {
				e := valid
				e.EventID = ""
				return eventBody(t, e)
			},
			sign:    func(b []byte) string { return Sign(testSecret, b) },
			wantErr: ErrMalformedEvent,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, st := newTestProcessor(t, nil)
			body := tt.body(t)
			_, err := p.HandleEvent(context.Background(), body, tt.sign(body))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if !errors.Is(err, ErrInvalidPurchaseEvent) {
				t.Errorf("expected rejection to be an invalid purchase event, got %v", err)
			}
			if got := st.Balance(userID); got != 0 {
				t.Errorf("expected no credit, got balance %d", got)
			}
		})
	}
}

func TestHandleEvent_TransientFailureThenRedelivery(t *testing.T) {
	ctx := context.Background()
	p, st := newTestProcessor(t, nil)
	userID := uuid.New()
	body := eventBody(t, Event{EventID: "evt_t", UserID: userID, Package: "pack50", Credits: 50, AmountCents: 499})
	sig := Sign(testSecret, body)

	st.FailCommits(100)
	_, err := p.HandleEvent(ctx, body, sig)
	if !errors.Is(err, models.ErrTransientStore) {
		t.Fatalf("expected transient store error, got %v", err)
	}
	if errors.Is(err, ErrInvalidPurchaseEvent) {
		t.Fatal("transient failure must not look like a rejection")
	}
	if got := st.Balance(userID); got != 0 {
		t.Fatalf("expected no partial credit, got %d", got)
	}

	st.FailCommits(0)
	res, err := p.HandleEvent(ctx, body, sig)
	if err != nil || !res.Credited {
		t.Fatalf("redelivery = %+v, %v; want credited", res, err)
	}
	if got := st.Balance(userID); got != 50 {
		t.Errorf("expected balance 50, got %d", got)
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"event_id":"evt_1"}`)
	sig := Sign(testSecret, body)
	if err := VerifySignature(testSecret, body, sig); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}
	if err := VerifySignature(testSecret, body, "sha256="+sig); err != nil {
		t.Errorf("prefixed signature rejected: %v", err)
	}
	if err := VerifySignature(testSecret, append(body, ' '), sig); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("tampered body accepted: %v", err)
	}
	if err := VerifySignature(testSecret, body, "zz"); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("non-hex signature accepted: %v", err)
	}
	if err := VerifySignature("", body, sig); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("empty secret accepted: %v", err)
	}
}
