/**
 * @description
 * This file sets up the HTTP router for the pool-service. Reads and writes both require an
 * authenticated wallet; only the health check is public.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for browser clients.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// PoolRoutes creates the router mounted at /pools.
func PoolRoutes(h *PoolHandlers, auth *Authenticator, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware)

		r.Get("/", h.ListPoolsHandler)
		r.Post("/", h.CreatePoolHandler)
		r.Get("/derive", h.DeriveHandler)

		r.Route("/{address}", func(r chi.Router) {
			r.Get("/", h.GetPoolHandler)
			r.Post("/join", h.JoinPoolHandler)
			r.Post("/contributions", h.ContributeHandler)
			r.Post("/payouts", h.ExecutePayoutHandler)
			r.Get("/members", h.ListMembersHandler)
			r.Get("/members/{wallet}", h.GetMemberHandler)
			r.Get("/activity", h.ListActivityHandler)
			r.Get("/next-payout", h.NextPayoutHandler)
			r.Get("/proposals", h.ListProposalsHandler)
			r.Post("/proposals", h.CreateProposalHandler)
			r.Get("/proposals/{id}", h.GetProposalHandler)
			r.Post("/proposals/{id}/votes", h.VoteHandler)
		})
	})

	return r
}
