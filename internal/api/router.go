/**
 * @description
 * HTTP router for the settlement API. Public intake and inbox routes require a
 * user token, schedule routes require the internal API key, and the Stripe
 * webhook authenticates with its signature header.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: routing and standard middleware.
 * - github.com/go-chi/cors: CORS for the marketplace frontend.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries the authentication settings and the optional WebSocket
// handler.
type RouterConfig struct {
	Verifier       *TokenVerifier
	InternalAPIKey string
	AllowedOrigins []string
	WebSocket      http.Handler
}

// NewRouter creates the chi router for the settlement API.
func NewRouter(h *Handlers, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Upgraded connections outlive the request timeout.
	if cfg.WebSocket != nil {
		r.Method(http.MethodGet, "/ws", cfg.WebSocket)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Post("/webhooks/stripe", h.StripeWebhookHandler)

		r.Route("/internal", func(r chi.Router) {
			r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))
			r.Post("/auctions/{id}/schedule", h.ScheduleAuctionHandler)
			r.Post("/raffles/{id}/schedule", h.ScheduleRaffleHandler)
		})

		r.Route("/api", func(r chi.Router) {
			r.Use(AuthMiddleware(cfg.Verifier))
			r.Post("/auctions/{auctionID}/bids", h.PlaceBidHandler)
			r.Post("/raffles/{raffleID}/tickets", h.PurchaseTicketHandler)

			r.Get("/notifications", h.ListNotificationsHandler)
			r.Post("/notifications/read-all", h.MarkAllNotificationsReadHandler)
			r.Post("/notifications/{id}/read", h.MarkNotificationReadHandler)
		})
	})

	return r
}
