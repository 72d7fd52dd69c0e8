/**
 * @description
 * HTTP router setup for the escrow service. User routes sit behind Clerk JWT
 * authentication; the rail webhook sits behind the internal API key.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for browser clients.
 * - github.com/prometheus/client_golang/prometheus/promhttp: Metrics exposition.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// EscrowRoutes creates and returns the router for the escrow service.
func EscrowRoutes(h *EscrowHandlers, auth AuthConfig, internalKey string, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))
		r.Post("/rail-events", h.RailEventHandler)
	})

	r.Group(func(r chi.Router) {
		r.Use(ClerkAuthMiddleware(auth))

		r.Get("/offers", h.ListMyOffersHandler)
		r.Post("/offers", h.SubmitOfferHandler)
		r.Get("/offers/{id}", h.GetOfferHandler)
		r.Post("/offers/{id}/respond", h.RespondToOfferHandler)
		r.Get("/properties/{id}/offers", h.ListPropertyOffersHandler)

		r.Post("/transactions/direct", h.CreateDirectTransactionHandler)
		r.Get("/transactions/{id}/escrow", h.GetEscrowStatusHandler)
		r.Post("/transactions/{id}/capture", h.CaptureFundsHandler)
		r.Post("/transactions/{id}/cancel", h.CancelTransactionHandler)
		r.Post("/transactions/{id}/dispute", h.DisputeTransactionHandler)

		r.Get("/activity", h.ActivityFeedHandler)
		r.Get("/fees/quote", h.QuoteFeesHandler)
	})

	return r
}
