package reminder

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/sfaxportal/internal/db"
	"github.com/lalithlochan/sfaxportal/internal/mail"
)

// EventReader loads events by id.
type EventReader interface {
	GetEvent(ctx context.Context, id uuid.UUID) (*db.Event, error)
}

// PromotionReader loads promotions by id.
type PromotionReader interface {
	GetPromotion(ctx context.Context, id uuid.UUID) (*db.Promotion, error)
}

// EventSource reminds subscribers the day before an event starts. Only
// upcoming events are eligible.
type EventSource struct {
	events   EventReader
	composer *mail.Composer
}

func NewEventSource(events EventReader, composer *mail.Composer) *EventSource {
	return &EventSource{events: events, composer: composer}
}

func (s *EventSource) Kind() string { return db.KindEvent }

func (s *EventSource) Load(ctx context.Context, id uuid.UUID) (Entity, error) {
	e, err := s.events.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	return &eventEntity{event: e, composer: s.composer}, nil
}

type eventEntity struct {
	event    *db.Event
	composer *mail.Composer
}

func (e *eventEntity) Name() string        { return e.event.Name }
func (e *eventEntity) Boundary() time.Time { return e.event.StartsAt }
func (e *eventEntity) Status() string      { return e.event.Status }

func (e *eventEntity) Eligible() bool {
	return e.event.Status == db.EventStatusUpcoming
}

// Reminder uses the subscription snapshot for name and date, and the live
// event for location and hours.
func (e *eventEntity) Reminder(n *db.Notification) (mail.Message, error) {
	var endTime string
	if e.event.EndTime != nil {
		endTime = *e.event.EndTime
	}
	return e.composer.EventReminder(n.Email, mail.EventReminder{
		Name:      n.EntityName,
		Date:      n.BoundaryAt,
		Location:  e.event.Location,
		StartTime: e.event.StartTime,
		EndTime:   endTime,
	})
}

// promotionEligible lists the statuses that still get an expiry reminder.
var promotionEligible = map[string]bool{
	db.PromotionStatusActive:    true,
	db.PromotionStatusScheduled: true,
}

// PromotionSource reminds subscribers the day before a promotion ends.
type PromotionSource struct {
	promotions PromotionReader
	composer   *mail.Composer
}

func NewPromotionSource(promotions PromotionReader, composer *mail.Composer) *PromotionSource {
	return &PromotionSource{promotions: promotions, composer: composer}
}

func (s *PromotionSource) Kind() string { return db.KindPromotion }

func (s *PromotionSource) Load(ctx context.Context, id uuid.UUID) (Entity, error) {
	p, err := s.promotions.GetPromotion(ctx, id)
	if err != nil {
		return nil, err
	}
	return &promotionEntity{promotion: p, composer: s.composer}, nil
}

type promotionEntity struct {
	promotion *db.Promotion
	composer  *mail.Composer
}

func (p *promotionEntity) Name() string        { return p.promotion.Name }
func (p *promotionEntity) Boundary() time.Time { return p.promotion.EndsAt }
func (p *promotionEntity) Status() string      { return p.promotion.Status }

func (p *promotionEntity) Eligible() bool {
	return promotionEligible[p.promotion.Status]
}

func (p *promotionEntity) Reminder(n *db.Notification) (mail.Message, error) {
	var code string
	if p.promotion.Code != nil {
		code = *p.promotion.Code
	}
	return p.composer.PromotionReminder(n.Email, mail.PromotionNotice{
		Name:   n.EntityName,
		EndsAt: p.promotion.EndsAt,
		Code:   code,
	})
}
