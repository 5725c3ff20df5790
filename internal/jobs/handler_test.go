package jobs

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/genforge/credits/internal/middleware"
	"github.com/genforge/credits/internal/models"
)

// newTestRouter mounts the handler the way the real router does, with the
// user id injected instead of a JWT.
func newTestRouter(h *Handler, userID uuid.UUID) http.Handler {
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				next.ServeHTTP(w, req.WithContext(middleware.WithUserID(req.Context(), userID)))
			})
		})
		r.With(middleware.JobQuote(DefaultCosts)).Post("/v1/jobs", h.CreateJob)
		r.Get("/v1/jobs", h.ListJobs)
		r.Get("/v1/jobs/{id}", h.GetJob)
		r.Post("/v1/jobs/{id}/publish", h.Publish)
		r.Delete("/v1/jobs/{id}", h.Delete)
		r.Post("/v1/containers", h.CreateContainer)
	})
	r.Post("/internal/jobs/{id}/progress", h.Progress)
	r.Post("/internal/jobs/{id}/success", h.Success)
	r.Post("/internal/jobs/{id}/failure", h.Failure)
	return r
}

func do(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJob(t *testing.T, rec *httptest.ResponseRecorder) models.Job {
	t.Helper()
	var j models.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &j); err != nil {
		t.Fatalf("decode job: %v (%s)", err, rec.Body.String())
	}
	return j
}

// =====================================================================
// POST /v1/jobs
// =====================================================================

func TestHandler_CreateJob(t *testing.T) {
	h := newHarness(t)
	userID := uuid.New()
	h.store.SeedAccount(userID, 100)
	router := newTestRouter(NewHandler(h.svc, nil), userID)

	rec := do(t, router, http.MethodPost, "/v1/jobs",
		`{"kind":"video_generate","input_payload":{"prompt":"waves","duration_seconds":5}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	job := decodeJob(t, rec)
	if job.State != models.JobStatePending || job.Cost != 50 {
		t.Errorf("expected pending job costing 50, got %s %d", job.State, job.Cost)
	}
	if got := h.store.Balance(userID); got != 50 {
		t.Errorf("expected balance 50, got %d", got)
	}
}

func TestHandler_CreateJob_StatusMapping(t *testing.T) {
	cases := []struct {
		name    string
		balance int64
		fail    int
		body    string
		want    int
	}{
		{name: "insufficient balance", balance: 5, body: `{"kind":"image_generate","input_payload":{"prompt":"a cat"}}`, want: http.StatusPaymentRequired},
		{name: "schema violation", balance: 100, body: `{"kind":"image_generate","input_payload":{"prompt":1}}`, want: http.StatusUnprocessableEntity},
		{name: "unknown kind", balance: 100, body: `{"kind":"poem","input_payload":{}}`, want: http.StatusUnprocessableEntity},
		{name: "bad json", balance: 100, body: `{"kind":`, want: http.StatusBadRequest},
		{name: "dispatch failure", balance: 100, fail: 1000, body: `{"kind":"image_generate","input_payload":{"prompt":"a cat"}}`, want: http.StatusServiceUnavailable},
		{name: "missing container", balance: 100, body: `{"kind":"image_generate","input_payload":{"prompt":"a cat"},"container_id":"` + uuid.NewString() + `"}`, want: http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			userID := uuid.New()
			h.store.SeedAccount(userID, tc.balance)
			h.queue.fail = tc.fail
			rec := do(t, newTestRouter(NewHandler(h.svc, nil), userID), http.MethodPost, "/v1/jobs", tc.body)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
			if got := h.store.Balance(userID); got != tc.balance {
				t.Errorf("expected balance unchanged at %d, got %d", tc.balance, got)
			}
		})
	}
}

// =====================================================================
// Lifecycle over HTTP
// =====================================================================

func TestHandler_Lifecycle(t *testing.T) {
	h := newHarness(t)
	userID := uuid.New()
	h.store.SeedAccount(userID, 100)
	router := newTestRouter(NewHandler(h.svc, nil), userID)

	created := decodeJob(t, do(t, router, http.MethodPost, "/v1/jobs",
		`{"kind":"image_generate","input_payload":{"prompt":"a cat"}}`))
	base := "/internal/jobs/" + created.ID.String()

	if rec := do(t, router, http.MethodPost, base+"/progress", ""); rec.Code != http.StatusOK {
		t.Fatalf("progress: expected 200, got %d", rec.Code)
	}
	if rec := do(t, router, http.MethodPost, base+"/success", `{"artifact_ref":""}`); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("empty artifact: expected 422, got %d", rec.Code)
	}
	for i := 0; i < 2; i++ {
		if rec := do(t, router, http.MethodPost, base+"/success", `{"artifact_ref":"k1"}`); rec.Code != http.StatusOK {
			t.Fatalf("success %d: expected 200, got %d", i, rec.Code)
		}
	}

	rec := do(t, router, http.MethodGet, "/v1/jobs/"+created.ID.String(), "")
	if got := decodeJob(t, rec); got.State != models.JobStateDraft {
		t.Fatalf("expected draft, got %s", got.State)
	}

	rec = do(t, router, http.MethodPost, "/v1/jobs/"+created.ID.String()+"/publish", "")
	if rec.Code != http.StatusOK || decodeJob(t, rec).State != models.JobStatePublished {
		t.Fatalf("publish: expected 200 published, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, router, http.MethodDelete, "/v1/jobs/"+created.ID.String(), ""); rec.Code != http.StatusConflict {
		t.Fatalf("delete published: expected 409, got %d", rec.Code)
	}

	rec = do(t, router, http.MethodGet, "/v1/jobs", "")
	var list struct {
		Jobs []models.Job `json:"jobs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || len(list.Jobs) != 1 {
		t.Fatalf("expected one listed job, got %s", rec.Body.String())
	}
}

func TestHandler_FailureCallbackRefunds(t *testing.T) {
	h := newHarness(t)
	userID := uuid.New()
	h.store.SeedAccount(userID, 100)
	router := newTestRouter(NewHandler(h.svc, nil), userID)

	created := decodeJob(t, do(t, router, http.MethodPost, "/v1/jobs",
		`{"kind":"image_enhance","input_payload":{"source_url":"https://x.test/a.png"}}`))
	rec := do(t, router, http.MethodPost, "/internal/jobs/"+created.ID.String()+"/failure", `{"error_message":"policy violation"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	h.assertLedger(t, userID, 100, 1, 1)
}

func TestHandler_ForeignJob(t *testing.T) {
	h := newHarness(t)
	owner := uuid.New()
	h.store.SeedAccount(owner, 100)
	job := h.createImageJob(t, owner)

	router := newTestRouter(NewHandler(h.svc, nil), uuid.New())
	if rec := do(t, router, http.MethodGet, "/v1/jobs/"+job.ID.String(), ""); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if rec := do(t, router, http.MethodGet, "/v1/jobs/not-a-uuid", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_CreateContainer(t *testing.T) {
	h := newHarness(t)
	router := newTestRouter(NewHandler(h.svc, nil), uuid.New())

	rec := do(t, router, http.MethodPost, "/v1/containers", `{"expected_count":3}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var c models.Container
	if err := json.Unmarshal(rec.Body.Bytes(), &c); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if c.ExpectedCount != 3 || c.Status != models.ContainerGenerating || !strings.HasPrefix(c.Prefix, "containers/") {
		t.Errorf("unexpected container %+v", c)
	}
	if rec := do(t, router, http.MethodPost, "/v1/containers", `{"expected_count":-2}`); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", rec.Code)
	}
}
