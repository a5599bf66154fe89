// Package httpapi serves the operational HTTP surface: cron trigger, health and metrics.
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/and161185/courtsync/internal/convert"
	"github.com/and161185/courtsync/internal/errs"
	"github.com/and161185/courtsync/internal/service"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Pinger checks a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds the dependencies of the ops routes.
type Handler struct {
	sched  service.SchedulerService
	db     Pinger
	secret string
	log    *zap.Logger
}

// NewRouter builds the chi router. An empty secret disables the cron route.
func NewRouter(sched service.SchedulerService, db Pinger, secret string, log *zap.Logger) http.Handler {
	h := &Handler{sched: sched, db: db, secret: secret, log: log}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(RequestLogger(log))
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/cron", func(r chi.Router) {
		r.Use(h.requireSecret)
		r.Use(chimiddleware.Timeout(5 * time.Minute))
		r.Get("/schedule", h.Schedule)
		r.Post("/schedule", h.Schedule)
	})
	return r
}

// Health reports whether the database answers.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.db.Ping(ctx); err != nil {
		h.log.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// Schedule runs one scheduler pass and returns its summary.
func (h *Handler) Schedule(w http.ResponseWriter, r *http.Request) {
	sum, err := h.sched.Run(r.Context(), "cron")
	body := convert.RunSummaryFields(sum)
	if err != nil {
		body["error"] = err.Error()
		writeJSON(w, statusOf(err), body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// requireSecret accepts "Authorization: Bearer <secret>" or ?secret=<secret>.
func (h *Handler) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.secret == "" {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "cron trigger disabled"})
			return
		}
		got := r.URL.Query().Get("secret")
		if a := r.Header.Get("Authorization"); len(a) > 7 && strings.EqualFold(a[:7], "bearer ") {
			got = strings.TrimSpace(a[7:])
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, errs.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errs.ErrCandidateFetch):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
