package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/sfaxportal/internal/metrics"
	"github.com/lalithlochan/sfaxportal/internal/redis"
)

// NewRouter mounts the portal routes. limiter may be nil. The status
// overrides are mounted only when the handler has operator auth.
func NewRouter(h *Handler, limiter *redis.RateLimiter, logger *zap.Logger) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(logger))

	limit := RateLimitMiddleware(limiter, logger, IPKeyFunc)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/establishments", func(r chi.Router) {
			r.Get("/", h.ListEstablishments)
			r.Get("/{id}", h.GetEstablishment)
		})

		r.Route("/events", func(r chi.Router) {
			r.Get("/", h.ListEvents)
			r.Get("/{id}", h.GetEvent)
			if h.operators != nil {
				r.With(h.requireOperator).Patch("/{id}/archive", h.ArchiveEvent)
			}
			r.With(limit).Post("/{id}/reminders", h.SubscribeEvent)
		})

		r.Route("/promotions", func(r chi.Router) {
			r.Get("/", h.ListPromotions)
			r.Get("/{id}", h.GetPromotion)
			if h.operators != nil {
				r.With(h.requireOperator).Patch("/{id}/expire", h.ExpirePromotion)
			}
			r.With(limit).Post("/{id}/reminders", h.SubscribePromotion)
		})

		r.With(limit).Post("/newsletter", h.SubscribeNewsletter)

		r.Get("/scheduler/jobs", h.ListJobs)
		r.Get("/mail/breaker", h.BreakerStatus)
	})

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.writeError(w, http.StatusNotFound, "not_found", "Route not found", r.URL.Path)
	})

	return r
}
