package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/sfaxportal/internal/auth"
	"github.com/lalithlochan/sfaxportal/internal/circuitbreaker"
	"github.com/lalithlochan/sfaxportal/internal/db"
	"github.com/lalithlochan/sfaxportal/internal/redis"
	"github.com/lalithlochan/sfaxportal/internal/scheduler"
)

// Catalog is the read side of establishments, events and promotions plus
// the manual status overrides.
type Catalog interface {
	GetEstablishment(ctx context.Context, id uuid.UUID) (*db.Establishment, error)
	ListEstablishments(ctx context.Context, typ, status string, limit, offset int) ([]*db.Establishment, error)
	GetEvent(ctx context.Context, id uuid.UUID) (*db.Event, error)
	ListEvents(ctx context.Context, status string, limit, offset int) ([]*db.Event, error)
	GetPromotion(ctx context.Context, id uuid.UUID) (*db.Promotion, error)
	ListPromotions(ctx context.Context, status string, limit, offset int) ([]*db.Promotion, error)
	TransitionStatus(ctx context.Context, kind string, id uuid.UUID, from []string, to string) (bool, error)
}

// Subscriber records reminder and newsletter subscriptions.
type Subscriber interface {
	SubscribeEvent(ctx context.Context, email string, eventID uuid.UUID) (*db.Notification, error)
	SubscribePromotion(ctx context.Context, email string, promotionID uuid.UUID) (*db.Notification, error)
	SubscribeNewsletter(ctx context.Context, email string) (*db.NewsletterSubscriber, error)
}

type JobReporter interface {
	Stats() []scheduler.JobStats
}

type BreakerReporter interface {
	Stats() circuitbreaker.Stats
}

// TokenVerifier checks operator bearer tokens.
type TokenVerifier interface {
	Verify(raw string) (*auth.Claims, error)
}

type HealthChecker interface {
	Health(ctx context.Context) error
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger        *zap.Logger
	catalog       Catalog
	subscriptions Subscriber
	idempotency   *redis.IdempotencyService // nil if Redis not configured
	jobs          JobReporter
	breaker       BreakerReporter
	health        HealthChecker
	operators     TokenVerifier // nil leaves the overrides unmounted
}

type Option func(*Handler)

func WithIdempotency(svc *redis.IdempotencyService) Option {
	return func(h *Handler) { h.idempotency = svc }
}

func WithJobs(jobs JobReporter) Option {
	return func(h *Handler) { h.jobs = jobs }
}

func WithBreaker(b BreakerReporter) Option {
	return func(h *Handler) { h.breaker = b }
}

func WithHealth(c HealthChecker) Option {
	return func(h *Handler) { h.health = c }
}

// WithOperatorAuth mounts the archive and expire overrides behind v.
func WithOperatorAuth(v TokenVerifier) Option {
	return func(h *Handler) { h.operators = v }
}

func NewHandler(logger *zap.Logger, catalog Catalog, subscriptions Subscriber, opts ...Option) *Handler {
	h := &Handler{
		logger:        logger,
		catalog:       catalog,
		subscriptions: subscriptions,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.Health(r.Context()); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			h.writeError(w, http.StatusServiceUnavailable, "unhealthy", "Database unavailable", "")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// ListJobs handles GET /v1/scheduler/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	stats := []scheduler.JobStats{}
	if h.jobs != nil {
		stats = h.jobs.Stats()
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  stats,
		"count": len(stats),
	})
}

// BreakerStatus handles GET /v1/mail/breaker
func (h *Handler) BreakerStatus(w http.ResponseWriter, r *http.Request) {
	if h.breaker == nil {
		h.writeError(w, http.StatusNotFound, "not_configured", "No mail circuit breaker configured", "")
		return
	}
	h.writeJSON(w, http.StatusOK, h.breaker.Stats())
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// pagination reads limit and offset, ignoring out-of-range values.
func pagination(r *http.Request) (limit, offset int) {
	limit = 20

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	return limit, offset
}
