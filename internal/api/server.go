// Package api exposes the producer HTTP surface: job submission, lookup,
// listing, cancellation and the typed convenience endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"background-jobs/internal/dispatch"
	"background-jobs/internal/logging"
	"background-jobs/internal/query"
	"background-jobs/internal/ratelimit"
	"background-jobs/internal/store"
	"background-jobs/internal/telemetry"
)

// Limiter throttles submissions per requester.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Pinger is a dependency checked by /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers for the producer API.
type Server struct {
	dispatcher *dispatch.Dispatcher
	query      *query.Service
	limiter    Limiter
	health     map[string]Pinger
	log        *slog.Logger
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(d *dispatch.Dispatcher, q *query.Service, limiter Limiter, health map[string]Pinger, logger *slog.Logger) *Server {
	return &Server{
		dispatcher: d,
		query:      q,
		limiter:    limiter,
		health:     health,
		log:        logging.Resolve(logger).With("component", "api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(identify)

		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/statistics", s.handleStatistics)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/cancel", s.handleCancel)

		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit)
			r.Post("/jobs", s.handleSubmit)
			r.Post("/send-email", s.handleSendEmail)
			r.Post("/send-notification", s.handleSendNotification)
			r.Post("/process-data", s.handleProcessData)
			r.Post("/cleanup", s.handleCleanup)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	body := map[string]string{"status": "ok"}
	for name, p := range s.health {
		if err := p.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body[name] = err.Error()
			continue
		}
		body[name] = "ok"
	}
	writeJSON(w, status, body)
}

type identityKey struct{}

// Identity is the caller as asserted by the upstream authentication layer.
type Identity struct {
	UserID int64
	Admin  bool
}

func (i Identity) viewer() query.Viewer {
	return query.Viewer{UserID: i.UserID, Admin: i.Admin}
}

// identify reads X-User-ID and X-User-Role. Requests without a valid user id
// are rejected.
func identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("X-User-ID")
		uid, err := strconv.ParseInt(raw, 10, 64)
		if raw == "" || err != nil {
			writeError(w, http.StatusUnauthorized, "missing or invalid X-User-ID")
			return
		}
		id := Identity{UserID: uid, Admin: r.Header.Get("X-User-Role") == "admin"}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

func identityFrom(ctx context.Context) Identity {
	id, _ := ctx.Value(identityKey{}).(Identity)
	return id
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		id := identityFrom(r.Context())
		d, err := s.limiter.Allow(r.Context(), "user:"+strconv.FormatInt(id.UserID, 10))
		if err != nil {
			s.log.Error("rate limiter unavailable", "error", err)
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			secs := int((d.RetryAfter + time.Second - 1) / time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"elapsed", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func writeError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, errorResponse{Detail: detail})
}

// writeStoreError maps domain errors onto HTTP status codes.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "Job not found")
	case errors.Is(err, query.ErrForbidden):
		writeError(w, http.StatusForbidden, "Access denied")
	case errors.Is(err, store.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, dispatch.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
