package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/giantswarm/reqguard"
	"github.com/giantswarm/reqguard/security"
)

// newRouter registers the admin API. Every mutating route passes the origin
// check; mutating routes behind a session also require a CSRF token.
func newRouter(guard *reqguard.Guard, a *admin, metrics bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.RequestID)
	r.Use(guard.RequireSameOrigin)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	if metrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/admin", func(r chi.Router) {
		r.Use(security.NoStore)
		r.Post("/login", a.login)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAdmin)
			r.Get("/csrf-token", guard.ServeCSRFToken)
			r.Get("/cleanup-stats", guard.ServeRetentionStats)
			r.Get("/lockouts/stats", guard.ServeLockoutStats)
			r.Get("/settings", a.getSettings)

			r.Group(func(r chi.Router) {
				r.Use(guard.RequireCSRF)
				r.Post("/logout", a.logout)
				r.Post("/cleanup-run", guard.ServeRetentionRun)
				r.Post("/lockouts/unlock", guard.ServeUnlock)
				r.Put("/settings", a.putSettings)
			})
		})
	})

	return r
}
