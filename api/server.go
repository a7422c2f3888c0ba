/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind the ingress
  3. Logging:    One zap line per request
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the web client

ROUTE GROUPS:
  /api/principals/*   Balances, debits, credits, history, purchases
  /api/guests/*       Guest sessions and migration
  /api/plans/*        Catalog
  /api/admin/*        Plan upserts, sweep trigger, guest purge
  /api/scenarios/*    Demo data loaders (development only)
  /healthz            Liveness + store ping
  /metrics            Prometheus

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	CORSOrigins []string
	// Health is called by /healthz; nil means always healthy.
	Health func(ctx context.Context) error
	// Scenarios mounts the demo data loaders (development only).
	Scenarios bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if opts.Health != nil {
			if err := opts.Health(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "Unhealthy", Details: err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/principals/{id}", func(r chi.Router) {
			r.Post("/", h.RegisterPrincipal)
			r.Get("/balance", h.GetBalance)
			r.Post("/debit", h.Debit)
			r.Post("/credit", h.Credit)
			r.Post("/bonus", h.AllocateBonus)
			r.Post("/monthly", h.AllocateMonthly)
			r.Get("/transactions", h.GetTransactions)
			r.Get("/purchases", h.ListPurchases)
			r.Post("/purchases", h.CreatePurchase)
		})

		r.Route("/guests/{id}", func(r chi.Router) {
			r.Post("/", h.InitializeGuest)
			r.Post("/migrate", h.MigrateGuest)
		})

		r.Route("/plans", func(r chi.Router) {
			r.Get("/", h.ListPlans)
			r.Get("/{id}", h.GetPlan)
		})
		r.Get("/purchases/{id}", h.GetPurchase)
		r.Post("/cost", h.CalculateCost)

		r.Route("/admin", func(r chi.Router) {
			r.Put("/plans/{id}", h.SavePlan)
			r.Post("/sweep", h.RunSweep)
			r.Post("/guests/purge", h.PurgeGuests)
		})

		if opts.Scenarios {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Post("/load", h.LoadScenario)
			})
		}
	})

	return r
}

// requestLogger logs each request once it completes.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info("HTTP request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("elapsed", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
