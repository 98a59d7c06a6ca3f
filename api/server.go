/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed into error logs
  2. RealIP:     Client address behind the gateway
  3. Logger:     Request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Metrics:    Prometheus counters and latency per route
  6. CORS:       Cross-origin requests for the back-office frontend

ROUTE GROUPS:
  /api/stock/*       Receipts, adjustments, allocations, availability
  /api/orders/*      Order dispatch
  /api/audits/*      Stock audit workflow
  /api/retailers/*   Retailer money ledger
  /api/incentives/*  Incentive points
  /api/scenarios/*   Demo data loaders (opt-in)
  /metrics           Prometheus scrape endpoint
  /healthz           Liveness

SECURITY NOTE:
  Authentication happens at the gateway, which forwards the actor headers.
  Write routes only check that an actor is present.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions tune the outer HTTP surface.
type RouterOptions struct {
	AllowedOrigins []string
	// Health reports readiness of the backing store. Nil always passes.
	Health func(ctx context.Context) error
	// Scenarios mounts the demo data loaders.
	Scenarios bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(h.metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type",
			HeaderActorID, HeaderActorRole, HeaderIdempotencyKey},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if opts.Health != nil {
			if err := opts.Health(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(requireActor)

		// Stock routes
		r.Route("/stock", func(r chi.Router) {
			r.Post("/receipts", h.Receive)
			r.Post("/adjustments", h.Adjust)
			r.Post("/allocations", h.Allocate)
			r.Route("/{entityType}/{entityID}/products/{productID}", func(r chi.Router) {
				r.Get("/", h.GetAvailability)
				r.Get("/ledger", h.GetLedger)
				r.Post("/rebuild", h.RebuildSnapshot)
			})
		})

		// Order routes
		r.Post("/orders/{orderID}/dispatch", h.DispatchOrder)

		// Audit routes
		r.Route("/audits", func(r chi.Router) {
			r.Get("/", h.ListAudits)
			r.Post("/", h.EnsureAudit)
			r.Get("/{id}", h.GetAudit)
			r.Post("/{id}/counts", h.RecordCounts)
			r.Post("/{id}/lines", h.AddAuditLine)
			r.Post("/{id}/submit", h.SubmitAudit)
			r.Post("/{id}/approve", h.ApproveAudit)
		})

		// Retailer routes
		r.Route("/retailers/{id}", func(r chi.Router) {
			r.Post("/debits", h.RecordDebit)
			r.Post("/collections", h.RecordCollection)
			r.Get("/balance", h.GetRetailerBalance)
			r.Get("/statement", h.GetRetailerStatement)
		})

		// Incentive routes
		r.Route("/incentives/{actorID}", func(r chi.Router) {
			r.Get("/", h.GetIncentives)
			r.Post("/events", h.EarnIncentive)
		})

		if opts.Scenarios {
			r.Get("/scenarios", h.ListScenarios)
			r.Post("/scenarios/load", h.LoadScenario)
		}
	})

	return r
}
