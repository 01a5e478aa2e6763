/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in error logs
  2. RealIP:     Client address behind the gateway
  3. Logger:     Request logging (through the structured log bridge)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests from the back-office frontend

ROUTE GROUPS:
  /api/members/*      Members, calculations, statements, closing
  /api/ledger/*       Payout status moves
  /api/periods/*      Top rank and period closing
  /api/plans/*        Plan versions
  /api/runs           Closing run history
  /api/scenarios/*    Demo networks (dev only)
  /metrics            Prometheus
  /healthz            Liveness with plan check

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions configures the parts of the router that vary by
// environment.
type RouterOptions struct {
	AllowedOrigins []string
	// Scenarios mounts the demo scenario routes.
	Scenarios bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/members", func(r chi.Router) {
			r.Get("/", h.ListMembers)
			r.Post("/", h.EnrollMember)
			r.Get("/{id}", h.GetMember)
			r.Post("/{id}/placements", h.PlaceMember)
			r.Get("/{id}/cycles", h.GetCycles)
			r.Post("/{id}/cycles", h.ImportCycles)
			r.Get("/{id}/depth-bonus", h.GetDepthBonus)
			r.Get("/{id}/fidelity-bonus", h.GetFidelityBonus)
			r.Get("/{id}/career", h.GetCareer)
			r.Get("/{id}/statement", h.GetStatement)
			r.Post("/{id}/close", h.CloseMember)
			r.Get("/{id}/ledger", h.GetLedger)
		})

		r.Post("/ledger/{entryID}/status", h.TransitionEntry)

		r.Route("/periods/{period}", func(r chi.Router) {
			r.Get("/top-rank", h.GetTopRank)
			r.Post("/close", h.ClosePeriod)
		})

		r.Route("/plans", func(r chi.Router) {
			r.Get("/", h.ListPlans)
			r.Post("/", h.PublishPlan)
			r.Get("/current", h.GetCurrentPlan)
			r.Get("/{version}", h.GetPlan)
		})

		r.Get("/runs", h.ListRuns)

		if opts.Scenarios {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Post("/load", h.LoadScenario)
			})
		}
	})

	return r
}
