// Package router assembles the HTTP surface: user routes behind JWT auth,
// worker callbacks behind the worker token, and the payment webhook.
package router

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/genforge/credits/internal/jobs"
	"github.com/genforge/credits/internal/ledger"
	"github.com/genforge/credits/internal/middleware"
	"github.com/genforge/credits/internal/models"
	"github.com/genforge/credits/internal/payments"
	"github.com/genforge/credits/internal/reconcile"
)

type Handlers struct {
	Jobs      *jobs.Handler
	Ledger    *ledger.Handler
	Payments  *payments.Handler
	Reconcile *reconcile.Handler
}

type Options struct {
	JWTSecret   []byte
	WorkerToken string
	// Prices is the per-kind job cost; nil means jobs.DefaultCosts.
	Prices map[models.JobKind]int64
}

// New returns the API handler.
func New(h Handlers, opts Options, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	prices := opts.Prices
	if prices == nil {
		prices = jobs.DefaultCosts
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(log))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.UserAuth(opts.JWTSecret))

		r.With(middleware.JobQuote(prices)).Post("/jobs", h.Jobs.CreateJob)
		r.Get("/jobs", h.Jobs.ListJobs)
		r.Get("/jobs/{id}", h.Jobs.GetJob)
		r.Post("/jobs/{id}/publish", h.Jobs.Publish)
		r.Delete("/jobs/{id}", h.Jobs.Delete)

		r.Get("/balance", h.Ledger.GetBalance)
		r.Get("/transactions", h.Ledger.ListTransactions)

		r.Post("/containers", h.Jobs.CreateContainer)
		r.Get("/containers/{id}", h.Reconcile.GetContainer)
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(middleware.WorkerAuth(opts.WorkerToken))

		r.Post("/jobs/{id}/progress", h.Jobs.Progress)
		r.Post("/jobs/{id}/success", h.Jobs.Success)
		r.Post("/jobs/{id}/failure", h.Jobs.Failure)

		r.Post("/reconcile/sweep", h.Reconcile.Sweep)
		r.Post("/reconcile/containers/{id}", h.Reconcile.ReconcileContainer)
	})

	r.Post("/webhooks/payments", h.Payments.Webhook)

	return r
}
