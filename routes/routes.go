package routes

import (
	"net/http"

	"github.com/agentsim/decisiond/app"
	"github.com/agentsim/decisiond/handlers"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	decisionHandler := handlers.NewDecisionHandler(deps.Queue, deps.Contexts, deps.Config.Queue.SubmitWait, deps.Logger)
	agentHandler := handlers.NewAgentHandler(deps.Contexts, deps.Logger)
	providerHandler := handlers.NewProviderHandler(deps.Balancer, deps.Audit, deps.Logger)
	healthHandler := handlers.NewHealthHandler(deps.AuditDB, deps.Balancer, deps.Logger)

	// Health check endpoints
	r.Get("/healthz", healthHandler.HandleHealth)
	r.Get("/readyz", healthHandler.HandleReadiness)

	// Prometheus metrics
	if deps.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	}

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(deps.AuthMiddleware.RequireAuth)

		r.Route("/decisions", func(r chi.Router) {
			r.Post("/", decisionHandler.HandleSubmit)
			r.Delete("/{agentID}", decisionHandler.HandleCancel)
		})

		r.Route("/agents", func(r chi.Router) {
			r.Post("/", agentHandler.HandleRegister)
			r.Delete("/{agentID}", agentHandler.HandleRemove)
		})

		r.Route("/providers", func(r chi.Router) {
			r.Get("/", providerHandler.HandleList)
			r.Get("/{name}/stats", providerHandler.HandleStats)
		})
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not_found","message":"Route not found"}`))
	})

	return r
}
