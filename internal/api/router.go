/**
 * @description
 * This file sets up the HTTP router for the ussd-credit service using the
 * go-chi/chi router. Both webhook endpoints are unauthenticated at the HTTP
 * layer (the USSD gateway and payment provider deliver over private routes;
 * payment callbacks additionally carry an HMAC signature).
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new Chi router and registers the webhook routes.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://*", "http://*"},
		AllowedMethods: []string{"POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Callback-Signature"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ussd-credit service is healthy"))
	})

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/ussd", h.handleUSSD)
		r.Post("/payments", h.handlePaymentCallback)
	})

	return r
}
