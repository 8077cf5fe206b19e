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
  4. CORS:       Cross-origin requests for the admin frontend
  5. countRequests: Prometheus request counting by route pattern

ROUTE GROUPS:
  /api/rate             Daily rate computation
  /api/charges/*        Daily charge runs
  /api/fees/*           Fee ledger: records, batches, corrections
  /api/reductions/*     Day-reduction workflow
  /api/summary          Monthly per-student totals
  /api/students         Student directory ingest
  /api/attendance       Attendance ingest
  /api/expenses         Expense ingest
  /metrics              Prometheus exposition

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

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
	"github.com/prometheus/client_golang/prometheus/promhttp"
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
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))
	r.Use(countRequests)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Get("/rate", h.GetDailyRate)
		r.Get("/summary", h.MonthlySummary)

		r.Route("/charges", func(r chi.Router) {
			r.Post("/daily", h.ApplyDailyCharges)
		})

		r.Route("/fees", func(r chi.Router) {
			r.Get("/", h.ListFees)
			r.Post("/bulk", h.CreateBulkFee)
			r.Post("/revert", h.RevertBatch)
			r.Get("/batch", h.GetBatch)
			r.Get("/{id}", h.GetFee)
			r.Post("/{id}/correct", h.CorrectFee)
		})

		r.Route("/reductions", func(r chi.Router) {
			r.Get("/", h.ListReductions)
			r.Post("/", h.CreateReduction)
			r.Get("/{id}", h.GetReduction)
			r.Post("/{id}/decision", h.DecideReduction)
		})

		r.Route("/students", func(r chi.Router) {
			r.Get("/", h.ListStudents)
			r.Post("/", h.UpsertStudent)
		})

		r.Post("/attendance", h.MarkAttendance)
		r.Post("/expenses", h.AddExpense)
	})

	// Prometheus exposition
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// countRequests tallies requests by chi route pattern and status class.
func countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unmatched"
		}
		class := "2xx"
		switch {
		case ww.Status() >= 500:
			class = "5xx"
		case ww.Status() >= 400:
			class = "4xx"
		case ww.Status() >= 300:
			class = "3xx"
		}
		httpRequests.WithLabelValues(pattern, class).Inc()
	})
}
