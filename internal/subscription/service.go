// Package subscription records reminder requests for events and promotions
// and newsletter sign-ups.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/sfaxportal/internal/db"
	"github.com/lalithlochan/sfaxportal/internal/mail"
	"github.com/lalithlochan/sfaxportal/internal/metrics"
)

var (
	ErrInvalidEmail      = errors.New("invalid email address")
	ErrEntityNotFound    = errors.New("entity not found")
	ErrAlreadySubscribed = errors.New("already subscribed")
)

var emailPattern = regexp.MustCompile(`^\S+@\S+\.\S+$`)

// Store is the persistence the service writes through.
type Store interface {
	GetEvent(ctx context.Context, id uuid.UUID) (*db.Event, error)
	GetPromotion(ctx context.Context, id uuid.UUID) (*db.Promotion, error)
	CreateNotification(ctx context.Context, n *db.Notification) error
	CreateNewsletterSubscriber(ctx context.Context, s *db.NewsletterSubscriber) error
}

type Service struct {
	store      Store
	composer   *mail.Composer
	dispatcher mail.Dispatcher
	logger     *zap.Logger
}

// NewService builds the intake service. dispatcher may be nil, in which
// case promotion confirmations are not sent.
func NewService(store Store, composer *mail.Composer, dispatcher mail.Dispatcher, logger *zap.Logger) *Service {
	if dispatcher != nil {
		dispatcher = mail.Recovering(dispatcher)
	}
	return &Service{
		store:      store,
		composer:   composer,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// NormalizeEmail trims and lowercases an address and checks its shape.
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if !emailPattern.MatchString(email) {
		return "", ErrInvalidEmail
	}
	return email, nil
}

// SubscribeEvent asks for a reminder the day before the event starts.
func (s *Service) SubscribeEvent(ctx context.Context, email string, eventID uuid.UUID) (*db.Notification, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		metrics.RecordSubscription(db.KindEvent, "invalid")
		return nil, err
	}

	event, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, s.lookupError(db.KindEvent, err)
	}

	return s.create(ctx, &db.Notification{
		Kind:       db.KindEvent,
		Email:      email,
		EntityID:   event.ID,
		EntityName: event.Name,
		BoundaryAt: event.StartsAt,
	})
}

// SubscribePromotion asks for a reminder the day before the promotion ends
// and sends a confirmation email. A failed confirmation does not undo the
// subscription.
func (s *Service) SubscribePromotion(ctx context.Context, email string, promotionID uuid.UUID) (*db.Notification, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		metrics.RecordSubscription(db.KindPromotion, "invalid")
		return nil, err
	}

	promotion, err := s.store.GetPromotion(ctx, promotionID)
	if err != nil {
		return nil, s.lookupError(db.KindPromotion, err)
	}

	n, err := s.create(ctx, &db.Notification{
		Kind:       db.KindPromotion,
		Email:      email,
		EntityID:   promotion.ID,
		EntityName: promotion.Name,
		BoundaryAt: promotion.EndsAt,
	})
	if err != nil {
		return nil, err
	}

	s.confirm(ctx, n, promotion)
	return n, nil
}

// SubscribeNewsletter registers an address for the newsletter.
func (s *Service) SubscribeNewsletter(ctx context.Context, email string) (*db.NewsletterSubscriber, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		metrics.RecordSubscription("newsletter", "invalid")
		return nil, err
	}

	sub := &db.NewsletterSubscriber{ID: uuid.New(), Email: email}
	if err := s.store.CreateNewsletterSubscriber(ctx, sub); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			metrics.RecordSubscription("newsletter", "duplicate")
			return nil, ErrAlreadySubscribed
		}
		metrics.RecordSubscription("newsletter", "error")
		return nil, fmt.Errorf("create newsletter subscriber: %w", err)
	}

	metrics.RecordSubscription("newsletter", "created")
	s.logger.Info("newsletter subscriber created", zap.String("subscriber_id", sub.ID.String()))
	return sub, nil
}

func (s *Service) create(ctx context.Context, n *db.Notification) (*db.Notification, error) {
	n.ID = uuid.New()
	if err := s.store.CreateNotification(ctx, n); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			metrics.RecordSubscription(n.Kind, "duplicate")
			return nil, ErrAlreadySubscribed
		}
		metrics.RecordSubscription(n.Kind, "error")
		return nil, fmt.Errorf("create %s notification: %w", n.Kind, err)
	}
	metrics.RecordSubscription(n.Kind, "created")
	return n, nil
}

func (s *Service) lookupError(kind string, err error) error {
	if errors.Is(err, db.ErrNotFound) {
		metrics.RecordSubscription(kind, "not_found")
		return ErrEntityNotFound
	}
	metrics.RecordSubscription(kind, "error")
	return fmt.Errorf("load %s: %w", kind, err)
}

func (s *Service) confirm(ctx context.Context, n *db.Notification, p *db.Promotion) {
	if s.dispatcher == nil {
		return
	}

	var code string
	if p.Code != nil {
		code = *p.Code
	}
	msg, err := s.composer.PromotionConfirmation(n.Email, mail.PromotionNotice{
		Name:   p.Name,
		EndsAt: p.EndsAt,
		Code:   code,
	})
	if err == nil {
		err = s.dispatcher.Send(ctx, msg)
	}
	if err != nil {
		s.logger.Warn("failed to send promotion confirmation",
			zap.String("notification_id", n.ID.String()),
			zap.Error(err),
		)
	}
}
