package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/sfaxportal/internal/db"
	"github.com/lalithlochan/sfaxportal/internal/metrics"
)

var (
	establishmentTypes = map[string]bool{
		db.EstablishmentTypeRestaurant: true,
		db.EstablishmentTypeHotel:      true,
		db.EstablishmentTypeCafe:       true,
	}
	eventStatuses = map[string]bool{
		db.EventStatusUpcoming: true,
		db.EventStatusOngoing:  true,
		db.EventStatusFinished: true,
	}
	promotionStatuses = map[string]bool{
		db.PromotionStatusPending:   true,
		db.PromotionStatusScheduled: true,
		db.PromotionStatusActive:    true,
		db.PromotionStatusExpired:   true,
	}
)

// ListEstablishments handles GET /v1/establishments. Only active
// establishments are listed; type narrows the list further.
func (h *Handler) ListEstablishments(w http.ResponseWriter, r *http.Request) {
	typ := r.URL.Query().Get("type")
	if typ != "" && !establishmentTypes[typ] {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid type", "unknown establishment type "+typ)
		return
	}
	limit, offset := pagination(r)

	establishments, err := h.catalog.ListEstablishments(r.Context(), typ, db.EstablishmentStatusActive, limit, offset)
	if err != nil {
		h.logger.Error("failed to list establishments", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list establishments", "")
		return
	}
	if establishments == nil {
		establishments = []*db.Establishment{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   establishments,
		"limit":  limit,
		"offset": offset,
		"count":  len(establishments),
	})
}

// GetEstablishment handles GET /v1/establishments/{id}. Establishments
// that are not active are reported as missing.
func (h *Handler) GetEstablishment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	establishment, err := h.catalog.GetEstablishment(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Establishment not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to get establishment", zap.Error(err), zap.String("establishment_id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get establishment", "")
		return
	}
	if establishment.Status != db.EstablishmentStatusActive {
		h.writeError(w, http.StatusNotFound, "not_found", "Establishment not found", "establishment is not active")
		return
	}

	h.writeJSON(w, http.StatusOK, establishment)
}

// ListEvents handles GET /v1/events. Status is returned as stored; the
// reconcile job is what moves it forward.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status != "" && !eventStatuses[status] {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status", "unknown event status "+status)
		return
	}
	limit, offset := pagination(r)

	events, err := h.catalog.ListEvents(r.Context(), status, limit, offset)
	if err != nil {
		h.logger.Error("failed to list events", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list events", "")
		return
	}
	if events == nil {
		events = []*db.Event{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   events,
		"limit":  limit,
		"offset": offset,
		"count":  len(events),
	})
}

// GetEvent handles GET /v1/events/{id}
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	event, err := h.catalog.GetEvent(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Event not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to get event", zap.Error(err), zap.String("entity_id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get event", "")
		return
	}

	h.writeJSON(w, http.StatusOK, event)
}

// ArchiveEvent handles PATCH /v1/events/{id}/archive
func (h *Handler) ArchiveEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	if !h.forceStatus(w, r, db.KindEvent, id, db.EventStatusFinished) {
		return
	}
	h.GetEvent(w, r)
}

// ListPromotions handles GET /v1/promotions
func (h *Handler) ListPromotions(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status != "" && !promotionStatuses[status] {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status", "unknown promotion status "+status)
		return
	}
	limit, offset := pagination(r)

	promotions, err := h.catalog.ListPromotions(r.Context(), status, limit, offset)
	if err != nil {
		h.logger.Error("failed to list promotions", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list promotions", "")
		return
	}
	if promotions == nil {
		promotions = []*db.Promotion{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   promotions,
		"limit":  limit,
		"offset": offset,
		"count":  len(promotions),
	})
}

// GetPromotion handles GET /v1/promotions/{id}
func (h *Handler) GetPromotion(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	promotion, err := h.catalog.GetPromotion(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Promotion not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to get promotion", zap.Error(err), zap.String("entity_id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get promotion", "")
		return
	}

	h.writeJSON(w, http.StatusOK, promotion)
}

// ExpirePromotion handles PATCH /v1/promotions/{id}/expire
func (h *Handler) ExpirePromotion(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	if !h.forceStatus(w, r, db.KindPromotion, id, db.PromotionStatusExpired) {
		return
	}
	h.GetPromotion(w, r)
}

// forceStatus writes the terminal status regardless of the current one.
// It writes the error response itself and reports whether to continue.
func (h *Handler) forceStatus(w http.ResponseWriter, r *http.Request, kind string, id uuid.UUID, to string) bool {
	changed, err := h.catalog.TransitionStatus(r.Context(), kind, id, nil, to)
	if err != nil {
		h.logger.Error("failed to update status",
			zap.Error(err),
			zap.String("kind", kind),
			zap.String("entity_id", id.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update status", "")
		return false
	}
	if !changed {
		h.writeError(w, http.StatusNotFound, "not_found", "Entity not found", "")
		return false
	}

	metrics.RecordTransition(kind, to)
	return true
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid ID format", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}
