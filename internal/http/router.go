package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jw6ventures/calsync/internal/auth"
	"github.com/jw6ventures/calsync/internal/config"
	"github.com/jw6ventures/calsync/internal/metrics"
	"github.com/jw6ventures/calsync/internal/store"
)

// NewRouter wires the webhook receiver, auth connect flow, and account API.
func NewRouter(cfg *config.Config, st *store.Store, authService *auth.Service, engine SyncEngine) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := st.HealthCheck(ctx); err != nil {
			http.Error(w, "unready", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if cfg.PrometheusEnabled {
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			metrics.Handler().ServeHTTP(w, r)
		})
	}

	r.Route("/auth", func(r chi.Router) {
		r.Get("/connect", authService.BeginConnect)
		r.Get("/callback", authService.HandleCallback)
	})

	// The provider only ever POSTs notifications; chi answers other methods
	// on the route with 405.
	webhook := NewWebhookHandler(st.Channels, engine, cfg.Webhook.Async)
	r.Post("/webhooks/google", webhook.Handle)

	api := NewAPIHandler(st, engine)
	r.Route("/api", func(r chi.Router) {
		r.Get("/accounts/{accountID}/events", api.ListEvents)
		r.Get("/accounts/{accountID}/sync-health", api.SyncHealth)
		r.Post("/accounts/{accountID}/setup", api.SetupWatch)
		r.Delete("/accounts/{accountID}", api.Disconnect)
		r.Post("/tasks/renew", api.TriggerRenewal)
	})

	return r
}
