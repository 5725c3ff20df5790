package reconcile

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/genforge/credits/internal/middleware"
	"github.com/genforge/credits/internal/models"
)

func newTestRouter(h *Handler, userID uuid.UUID) http.Handler {
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				next.ServeHTTP(w, req.WithContext(middleware.WithUserID(req.Context(), userID)))
			})
		})
		r.Get("/v1/containers/{id}", h.GetContainer)
	})
	r.Post("/internal/reconcile/sweep", h.Sweep)
	r.Post("/internal/reconcile/containers/{id}", h.ReconcileContainer)
	return r
}

func do(router http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHandler_GetContainer(t *testing.T) {
	h := newHarness(t)
	owner := uuid.New()
	c, err := h.jobs.CreateContainer(context.Background(), owner, 1)
	if err != nil {
		t.Fatalf("CreateContainer: %v", err)
	}
	h.put(t, c.Prefix+"found.png")

	t.Run("owner gets reconciled view", func(t *testing.T) {
		rec := do(newTestRouter(NewHandler(h.engine, nil), owner), http.MethodGet, "/v1/containers/"+c.ID.String())
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		var got models.Container
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Status != models.ContainerReady {
			t.Errorf("expected ready, got %s", got.Status)
		}
		if len(got.ClaimedArtifacts) != 1 || got.ClaimedArtifacts[0] != c.Prefix+"found.png" {
			t.Errorf("unexpected claims %v", got.ClaimedArtifacts)
		}
	})

	t.Run("other user forbidden", func(t *testing.T) {
		rec := do(newTestRouter(NewHandler(h.engine, nil), uuid.New()), http.MethodGet, "/v1/containers/"+c.ID.String())
		if rec.Code != http.StatusForbidden {
			t.Errorf("expected 403, got %d", rec.Code)
		}
	})

	t.Run("unknown container", func(t *testing.T) {
		rec := do(newTestRouter(NewHandler(h.engine, nil), owner), http.MethodGet, "/v1/containers/"+uuid.NewString())
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("bad id", func(t *testing.T) {
		rec := do(newTestRouter(NewHandler(h.engine, nil), owner), http.MethodGet, "/v1/containers/nope")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})
}

func TestHandler_Sweep(t *testing.T) {
	h := newHarness(t)
	userID := uuid.New()
	h.store.SeedAccount(userID, 100)
	h.createJob(t, userID, nil)
	h.clock.Advance(5 * time.Minute)
	router := newTestRouter(NewHandler(h.engine, nil), userID)

	rec := do(router, http.MethodPost, "/internal/reconcile/sweep?max_age=bogus")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad max_age, got %d", rec.Code)
	}

	rec = do(router, http.MethodPost, "/internal/reconcile/sweep")
	var resp SweepResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || rec.Code != http.StatusOK {
		t.Fatalf("sweep: %d %s", rec.Code, rec.Body.String())
	}
	if resp.Failed != 0 {
		t.Errorf("expected nothing swept under default thresholds, got %d", resp.Failed)
	}

	rec = do(router, http.MethodPost, "/internal/reconcile/sweep?max_age=1m")
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || rec.Code != http.StatusOK {
		t.Fatalf("sweep: %d %s", rec.Code, rec.Body.String())
	}
	if resp.Failed != 1 {
		t.Errorf("expected 1 swept, got %d", resp.Failed)
	}
	if got := h.store.Balance(userID); got != 100 {
		t.Errorf("expected refund to restore balance 100, got %d", got)
	}
}

func TestHandler_ReconcileContainer(t *testing.T) {
	h := newHarness(t)
	c, err := h.jobs.CreateContainer(context.Background(), uuid.New(), 0)
	if err != nil {
		t.Fatalf("CreateContainer: %v", err)
	}
	router := newTestRouter(NewHandler(h.engine, nil), uuid.New())

	rec := do(router, http.MethodPost, "/internal/reconcile/containers/"+c.ID.String())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var report Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Changed || report.Status != models.ContainerGenerating {
		t.Errorf("expected unchanged generating container, got %+v", report)
	}

	rec = do(router, http.MethodPost, "/internal/reconcile/containers/"+uuid.NewString())
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}
