/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/memberships/*       Membership sales, overrides, redemptions
  /api/loyalty/*           Points balance, earn, redeem
  /api/settlements         Inter-branch obligations
  /api/membership-types/*  Catalog packages
  /api/branches/*          Branch registry
  /api/settings            Settlement percentages
  /api/audit               Admin override trail
  /healthz                 Liveness probe

SECURITY NOTE:
  No authentication middleware. The X-User-ID header is trusted as the
  acting user; put this behind a gateway that sets it.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Membership routes
		r.Route("/memberships", func(r chi.Router) {
			r.Get("/", h.ListMemberships)
			r.Post("/", h.CreateMembership)
			r.Get("/{id}", h.GetMembership)
			r.Patch("/{id}", h.AdjustMembership)
			r.Post("/{id}/use", h.UseMembership)
		})

		// Loyalty routes
		r.Route("/loyalty", func(r chi.Router) {
			r.Get("/{customerID}", h.GetLoyalty)
			r.Post("/{customerID}/earn", h.EarnPoints)
			r.Post("/{customerID}/redeem", h.RedeemPoints)
		})

		// Settlement routes
		r.Get("/settlements", h.ListSettlements)

		// Catalog routes
		r.Route("/membership-types", func(r chi.Router) {
			r.Get("/", h.ListMembershipTypes)
			r.Post("/", h.CreateMembershipType)
		})
		r.Route("/branches", func(r chi.Router) {
			r.Get("/", h.ListBranches)
			r.Post("/", h.CreateBranch)
			r.Get("/{id}/usages", h.BranchUsages)
		})

		// Settings routes
		r.Get("/settings", h.GetSettings)
		r.Patch("/settings", h.UpdateSettings)

		// Audit routes
		r.Get("/audit", h.ListAudit)
	})

	// Liveness probe
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}
