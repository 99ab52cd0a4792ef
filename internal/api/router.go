package api

import (
	"net/http"

	"github.com/fundcore/webhooks/internal/engine"
	"github.com/fundcore/webhooks/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates and configures the admin HTTP router.
func NewRouter(pgStore *store.PostgresStore, dispatcher *engine.Dispatcher, queue *engine.Queue) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	subHandler := NewSubscriptionHandler(pgStore)
	eventHandler := NewEventHandler(pgStore, dispatcher)
	deliveryHandler := NewDeliveryHandler(pgStore)
	statsHandler := NewStatsHandler(pgStore, queue)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", HealthHandler())

		r.Route("/subscriptions", func(r chi.Router) {
			r.Post("/", subHandler.Register)
			r.Get("/", subHandler.List)
			r.Get("/{id}", subHandler.Get)
			r.Post("/{id}/enable", subHandler.Enable)
			r.Post("/{id}/disable", subHandler.Disable)
			r.Delete("/{id}", subHandler.Delete)
		})

		r.Route("/events", func(r chi.Router) {
			r.Post("/", eventHandler.Publish)
			r.Get("/", eventHandler.List)
			r.Get("/{id}", eventHandler.Get)
		})

		r.Route("/deliveries", func(r chi.Router) {
			r.Get("/", deliveryHandler.List)
			r.Get("/{id}", deliveryHandler.Get)
		})

		r.Get("/stats", statsHandler.Stats)
	})

	return r
}
