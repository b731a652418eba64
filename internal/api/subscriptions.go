package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/sfaxportal/internal/db"
	"github.com/lalithlochan/sfaxportal/internal/metrics"
	"github.com/lalithlochan/sfaxportal/internal/redis"
	"github.com/lalithlochan/sfaxportal/internal/subscription"
)

// SubscribeRequest is the body of every subscription endpoint.
type SubscribeRequest struct {
	Email string `json:"email"`
}

// SubscriptionResponse is returned after a reminder subscription is created.
type SubscriptionResponse struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Email      string    `json:"email"`
	EntityID   string    `json:"entity_id"`
	EntityName string    `json:"entity_name"`
	BoundaryAt time.Time `json:"boundary_at"`
}

type NewsletterResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// SubscribeEvent handles POST /v1/events/{id}/reminders
func (h *Handler) SubscribeEvent(w http.ResponseWriter, r *http.Request) {
	h.subscribeReminder(w, r, db.KindEvent, h.subscriptions.SubscribeEvent)
}

// SubscribePromotion handles POST /v1/promotions/{id}/reminders
func (h *Handler) SubscribePromotion(w http.ResponseWriter, r *http.Request) {
	h.subscribeReminder(w, r, db.KindPromotion, h.subscriptions.SubscribePromotion)
}

type subscribeFunc func(ctx context.Context, email string, id uuid.UUID) (*db.Notification, error)

func (h *Handler) subscribeReminder(w http.ResponseWriter, r *http.Request, kind string, subscribe subscribeFunc) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	h.idempotent(w, r, kind+":"+id.String(), func() (int, interface{}) {
		var req SubscribeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return problem(http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		}

		n, err := subscribe(r.Context(), req.Email, id)
		if err != nil {
			return h.subscriptionError(kind, err)
		}

		h.logger.Info("reminder subscription created",
			zap.String("notification_id", n.ID.String()),
			zap.String("kind", kind),
			zap.String("entity_id", id.String()),
		)

		return http.StatusCreated, SubscriptionResponse{
			ID:         n.ID.String(),
			Kind:       n.Kind,
			Email:      n.Email,
			EntityID:   n.EntityID.String(),
			EntityName: n.EntityName,
			BoundaryAt: n.BoundaryAt,
		}
	})
}

// SubscribeNewsletter handles POST /v1/newsletter
func (h *Handler) SubscribeNewsletter(w http.ResponseWriter, r *http.Request) {
	h.idempotent(w, r, "newsletter", func() (int, interface{}) {
		var req SubscribeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return problem(http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		}

		sub, err := h.subscriptions.SubscribeNewsletter(r.Context(), req.Email)
		if err != nil {
			return h.subscriptionError("newsletter", err)
		}

		return http.StatusCreated, NewsletterResponse{ID: sub.ID.String(), Email: sub.Email}
	})
}

func (h *Handler) subscriptionError(kind string, err error) (int, interface{}) {
	switch {
	case errors.Is(err, subscription.ErrInvalidEmail):
		return problem(http.StatusBadRequest, "invalid_email", "Invalid email address", "")
	case errors.Is(err, subscription.ErrEntityNotFound):
		return problem(http.StatusNotFound, "not_found", "Entity not found", "")
	case errors.Is(err, subscription.ErrAlreadySubscribed):
		return problem(http.StatusConflict, "already_subscribed", "Already subscribed", "this email is already subscribed")
	default:
		h.logger.Error("subscription failed", zap.Error(err), zap.String("kind", kind))
		return problem(http.StatusInternalServerError, "database_error", "Failed to create subscription", "")
	}
}

func problem(status int, errType, title, detail string) (int, interface{}) {
	return status, ErrorResponse{Type: errType, Title: title, Status: status, Detail: detail}
}

// idempotent runs fn at most once per Idempotency-Key and scope. Completed
// responses below 500 are stored and replayed to retries; server errors
// release the key so the client can try again.
func (h *Handler) idempotent(w http.ResponseWriter, r *http.Request, scope string, fn func() (int, interface{})) {
	ctx := r.Context()
	key := r.Header.Get("Idempotency-Key")
	reserved := false

	if key != "" && h.idempotency != nil {
		replay, err := h.idempotency.CheckOrReserve(ctx, scope, key)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", key),
			)
		case replay != nil:
			metrics.RecordIdempotencyHit()
			w.Header().Set("Content-Type", contentType(replay.StatusCode))
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(replay.StatusCode)
			_, _ = w.Write(replay.Body)
			return
		default:
			reserved = true
		}
	}

	status, payload := fn()

	body, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
		status = http.StatusInternalServerError
		body, _ = json.Marshal(ErrorResponse{Type: "internal_error", Title: "Internal error", Status: status})
	}

	if reserved {
		h.finishIdempotent(r, scope, key, status, body)
	}

	w.Header().Set("Content-Type", contentType(status))
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

func (h *Handler) finishIdempotent(r *http.Request, scope, key string, status int, body []byte) {
	ctx := r.Context()
	if status >= http.StatusInternalServerError {
		if err := h.idempotency.Release(ctx, scope, key); err != nil {
			h.logger.Warn("failed to release idempotency key", zap.Error(err), zap.String("idempotency_key", key))
		}
		return
	}

	replay := &redis.Replay{StatusCode: status, Body: body}
	if err := h.idempotency.Store(ctx, scope, key, replay, redis.ReplayTTL); err != nil {
		h.logger.Warn("failed to store idempotency result",
			zap.Error(err),
			zap.String("idempotency_key", key),
		)
	}
}

func contentType(status int) string {
	if status >= http.StatusBadRequest {
		return "application/problem+json"
	}
	return "application/json"
}
