package router

import (
	"github.com/Niiaks/Lodge/internal/middleware"
	"github.com/Niiaks/Lodge/internal/reservation"
	"github.com/Niiaks/Lodge/internal/server"
	"github.com/Niiaks/Lodge/internal/webhook"
	"github.com/go-chi/chi/v5"
)

type Handlers struct {
	Reservation *reservation.ReservationHandler
	Webhook     *webhook.WebhookHandler
}

func NewRouter(s *server.Server, h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	mw := middleware.NewMiddlewares(s)

	// Apply middleware in order
	r.Use(middleware.RequestID)
	r.Use(mw.Tracing.NewRelicMiddleware())
	r.Use(mw.Tracing.EnhanceTracing)
	r.Use(mw.ContextEnhancer.EnhanceContext)
	r.Use(mw.Global.RequestLogger)

	r.Get("/health", Health(s))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Gateway callbacks authenticate by signature, not bearer token
		r.Post("/payments/webhook", h.Webhook.HandleWebhook)

		r.Group(func(r chi.Router) {
			r.Use(mw.Auth.RequireAuth)
			r.Use(mw.RateLimit.PerCaller)

			r.Route("/reservations", func(r chi.Router) {
				r.Post("/", h.Reservation.Create)
				r.Get("/", h.Reservation.List)
				r.Get("/{id}", h.Reservation.Get)
				r.Patch("/{id}/host-action", h.Reservation.HostAction)
				r.Patch("/{id}/cancel", h.Reservation.Cancel)
				r.Post("/{id}/pay-remaining", h.Reservation.PayRemaining)
			})
		})
	})

	return r
}
