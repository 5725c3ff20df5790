package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/genforge/credits/internal/execution"
	"github.com/genforge/credits/internal/jobs"
	"github.com/genforge/credits/internal/ledger"
	"github.com/genforge/credits/internal/models"
	"github.com/genforge/credits/internal/objectstore"
	"github.com/genforge/credits/internal/payments"
	"github.com/genforge/credits/internal/reconcile"
	"github.com/genforge/credits/internal/testutil"
)

const (
	jwtSecret     = "router-test-secret"
	workerToken   = "worker-token"
	webhookSecret = "whsec_router"
)

type app struct {
	handler http.Handler
	store   *testutil.Store
}

func newApp(t *testing.T) *app {
	t.Helper()
	st := testutil.NewStore()
	led := ledger.NewService(st, st, nil)
	validator, err := jobs.NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	enqueue := func(context.Context, execution.GenerateArgs) error { return nil }
	jobSvc := jobs.NewService(st, st, led, validator, enqueue, jobs.Config{}, nil)
	objects, err := objectstore.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	engine := reconcile.NewEngine(st, st, jobSvc, objects, reconcile.Config{}, nil)
	processor := payments.NewProcessor(led, nil, payments.Config{Secret: webhookSecret}, nil)

	h := New(Handlers{
		Jobs:      jobs.NewHandler(jobSvc, nil),
		Ledger:    ledger.NewHandler(led, nil),
		Payments:  payments.NewHandler(processor, nil),
		Reconcile: reconcile.NewHandler(engine, nil),
	}, Options{JWTSecret: []byte(jwtSecret), WorkerToken: workerToken}, nil)
	return &app{handler: h, store: st}
}

func bearer(t *testing.T, userID uuid.UUID) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID.String(),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(jwtSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return "Bearer " + s
}

func (a *app) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func TestRouter_Healthz(t *testing.T) {
	a := newApp(t)
	if rec := a.do(http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRouter_AuthBoundaries(t *testing.T) {
	a := newApp(t)
	user := map[string]string{"Authorization": bearer(t, uuid.New())}
	tests := []struct {
		name    string
		method  string
		path    string
		headers map[string]string
		want    int
	}{
		{"user route without token", http.MethodGet, "/v1/balance", nil, http.StatusUnauthorized},
		{"user route with token", http.MethodGet, "/v1/balance", user, http.StatusOK},
		{"worker route without token", http.MethodPost, "/internal/reconcile/sweep", nil, http.StatusUnauthorized},
		{"worker route with user token", http.MethodPost, "/internal/reconcile/sweep", user, http.StatusUnauthorized},
		{"worker route with worker token", http.MethodPost, "/internal/reconcile/sweep", map[string]string{"X-Worker-Token": workerToken}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := a.do(tt.method, tt.path, "", tt.headers); rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

// TestRouter_PurchaseSpendPublish drives a user from top-up to a published
// job through the HTTP surface only.
func TestRouter_PurchaseSpendPublish(t *testing.T) {
	a := newApp(t)
	userID := uuid.New()
	user := map[string]string{"Authorization": bearer(t, userID)}
	worker := map[string]string{"X-Worker-Token": workerToken}

	event, _ := json.Marshal(payments.Event{EventID: "evt_router", UserID: userID, Package: "starter", Credits: 100, AmountCents: 999})
	sig := map[string]string{payments.SignatureHeader: payments.Sign(webhookSecret, event)}
	for i := 0; i < 2; i++ {
		if rec := a.do(http.MethodPost, "/webhooks/payments", string(event), sig); rec.Code != http.StatusOK {
			t.Fatalf("webhook delivery %d: %d %s", i, rec.Code, rec.Body.String())
		}
	}
	if got := a.store.Balance(userID); got != 100 {
		t.Fatalf("expected balance 100 after purchase, got %d", got)
	}

	rec := a.do(http.MethodPost, "/v1/jobs", `{"kind":"image_generate","input_payload":{"prompt":"harbor at dawn"}}`, user)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create job: %d %s", rec.Code, rec.Body.String())
	}
	var job models.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.Cost != 10 || job.State != models.JobStatePending {
		t.Fatalf("unexpected job %+v", job)
	}

	rec = a.do(http.MethodPost, "/internal/jobs/"+job.ID.String()+"/success", `{"artifact_ref":"k1"}`, worker)
	if rec.Code != http.StatusOK {
		t.Fatalf("success callback: %d %s", rec.Code, rec.Body.String())
	}
	rec = a.do(http.MethodPost, "/v1/jobs/"+job.ID.String()+"/publish", `{}`, user)
	if rec.Code != http.StatusOK {
		t.Fatalf("publish: %d %s", rec.Code, rec.Body.String())
	}

	rec = a.do(http.MethodGet, "/v1/balance", "", user)
	var bal ledger.BalanceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &bal); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	if bal.Balance != 90 || bal.TotalCredited != 100 || bal.TotalDebited != 10 {
		t.Errorf("unexpected balance %+v", bal)
	}
}

func TestRouter_UnknownKindIsRejectedBeforeDebit(t *testing.T) {
	a := newApp(t)
	userID := uuid.New()
	a.store.SeedAccount(userID, 100)
	rec := a.do(http.MethodPost, "/v1/jobs", `{"kind":"audio_generate","input_payload":{}}`, map[string]string{"Authorization": bearer(t, userID)})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", rec.Code)
	}
	if got := a.store.Balance(userID); got != 100 {
		t.Errorf("expected untouched balance, got %d", got)
	}
}
