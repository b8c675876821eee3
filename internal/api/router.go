package api

import (
	"net/http"

	"github.com/balu-dk/ocpp-gateway/internal/api/handlers"
	"github.com/balu-dk/ocpp-gateway/internal/api/middleware"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// API handles the admin API server
type API struct {
	router  chi.Router
	handler *handlers.Handler
}

// NewAPI creates a new admin API server
func NewAPI(gateway handlers.Gateway) *API {
	router := chi.NewRouter()
	handler := handlers.NewHandler(gateway)

	// Setup middleware
	router.Use(chimiddleware.Logger)
	router.Use(chimiddleware.Recoverer)
	router.Use(middleware.ContentType)

	// CORS configuration
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Setup routes
	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/connections/{tenantId}/{stationId}", handler.GetConnection)

		// Charging station routes
		r.Route("/stations/{tenantId}/{stationId}", func(r chi.Router) {
			r.Put("/", handler.ProvisionStation)
			r.Post("/calls", handler.SendCall)
			r.Put("/blacklist/{action}", handler.BlacklistAction)
			r.Delete("/blacklist/{action}", handler.UnblacklistAction)
		})

		// Listener routes
		r.Put("/listeners/{id}/certificates", handler.UpdateCertificates)
	})

	return &API{
		router:  router,
		handler: handler,
	}
}

// ServeHTTP satisfies the http.Handler interface
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}
