// Package httpadmin exposes the Supervisor's administrative operations —
// submit, status snapshot, restart, cleanup — over a thin chi-routed JSON
// API, plus a Prometheus scrape endpoint.
package httpadmin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/brcorp/cnpj-enrichment-queue/internal/observability"
	"github.com/brcorp/cnpj-enrichment-queue/internal/supervisor"
)

var tracer = otel.Tracer("http.admin")

// Server wraps a Supervisor behind an HTTP admin surface.
type Server struct {
	sup *supervisor.Supervisor
}

// NewServer constructs an admin Server over sup.
func NewServer(sup *supervisor.Supervisor) *Server { return &Server{sup: sup} }

// Router builds the full admin HTTP handler, including middleware and CORS.
func (s *Server) Router(allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(Recoverer())
	r.Use(middleware.RequestID)
	r.Use(RequestContext)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(observability.HTTPMetricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))

	r.Get("/status", s.StatusHandler())
	r.Post("/restart", s.RestartHandler())
	r.Post("/cleanup-duplicates", s.CleanupHandler())
	r.Post("/submit", s.SubmitHandler())
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/healthz", s.HealthzHandler())

	return SecurityHeaders(r)
}

// StatusHandler returns the queue's status snapshot.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "admin.Status")
		defer span.End()

		snap, err := s.sup.StatusSnapshot(ctx)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// RestartHandler triggers an immediate refill from PersistentStore.
func (s *Server) RestartHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "admin.Restart")
		defer span.End()

		result, err := s.sup.RestartQueue(ctx)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// CleanupHandler runs the administrative duplicate-row cleanup.
func (s *Server) CleanupHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "admin.Cleanup")
		defer span.End()

		result, err := s.sup.CleanupDuplicates(ctx)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

type submitRequest struct {
	CNPJs []string `json:"cnpjs"`
}

// SubmitHandler enqueues a batch of CNPJs, returning a per-CNPJ ack.
func (s *Server) SubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "admin.Submit")
		defer span.End()

		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, http.StatusBadRequest, err)
			return
		}

		results := s.sup.Submit(ctx, req.CNPJs)
		writeJSON(w, http.StatusOK, map[string]any{"results": results})
	}
}

// HealthzHandler is a liveness probe with no dependency checks.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode admin response", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	lg := observability.LoggerFromContext(r.Context())
	lg.Error("admin request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
