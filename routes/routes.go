package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/howardjong/AgentPrice-sub011/app"
	"github.com/howardjong/AgentPrice-sub011/handlers"
	"github.com/howardjong/AgentPrice-sub011/middleware"
	"github.com/howardjong/AgentPrice-sub011/utils"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(chimiddleware.Recoverer)

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: deps.Config.CORS.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "Retry-After", "Location"},
		MaxAge:         300,
	}))

	healthHandler := handlers.NewHealthHandler(deps.Providers, deps.Logger)
	queryHandler := handlers.NewQueryHandler(deps.Tiered, deps.Logger)
	researchHandler := handlers.NewResearchHandler(deps.Jobs, deps.Logger)
	statusHandler := handlers.NewStatusHandler(deps.Broadcaster, deps.Logger)
	eventsHandler := handlers.NewEventsHandler(deps.Broadcaster, deps.Logger)

	// Probe and scrape endpoints stay outside the rate limiter so a
	// throttled client can never mask them.
	r.Get("/healthz", healthHandler.HandleHealth)
	r.Get("/readyz", healthHandler.HandleReadiness)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.PromRegistry, promhttp.HandlerOpts{}))

	// API v1 routes
	r.Route("/v1", func(r chi.Router) {
		r.Use(deps.RateLimiter.Handler)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(60 * time.Second))

			r.Post("/query", queryHandler.HandleQuery)

			r.Route("/research", func(r chi.Router) {
				r.Post("/", researchHandler.HandleCreate)
				r.Get("/", researchHandler.HandleList)
				r.Get("/{jobID}", researchHandler.HandleGet)
				r.Delete("/{jobID}", researchHandler.HandleCancel)
			})

			r.Get("/status", statusHandler.HandleStatus)
		})

		// The event stream stays open until the client goes away, so it
		// is registered outside the timeout group.
		r.Get("/events", eventsHandler.HandleEvents)
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})

	return r
}
