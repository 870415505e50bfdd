package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter constructs the chi mux with all routes wired.
func (g *Gateway) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(g.requests.Middleware(g.now))

	// Public.
	r.Get("/health", g.handleHealth())
	if g.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", g.metricsHandler)
	}

	// Admin. Authenticated when credentials are configured.
	r.Group(func(r chi.Router) {
		if g.config.Auth.IsConfigured() {
			r.Use(authMiddleware(g.config.Auth, g.logger))
		}
		r.Get("/status", g.handleStatus())
		r.Route("/api", func(r chi.Router) {
			r.Get("/budgets", g.handleListBudgets())
			r.Get("/budgets/{endpoint}", g.handleGetBudget())
			r.Delete("/budgets/stats", g.handleResetStatistics())
			r.Get("/circuits", g.handleListCircuits())
			r.Get("/circuits/{key}", g.handleGetCircuit())
			r.Post("/circuits/{key}/open", g.handleOpenCircuit())
			r.Post("/circuits/{key}/close", g.handleCloseCircuit())
			if g.settings != nil {
				r.Get("/config", g.handleGetConfig())
			}
			if g.reload != nil {
				r.Post("/config/reload", g.handleReloadConfig())
			}
		})
	})

	return r
}
