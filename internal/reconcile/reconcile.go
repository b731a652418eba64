// Package reconcile moves events and promotions whose end boundary has
// passed into their terminal status. It is the only writer of time-driven
// status changes; read paths never recompute status.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/sfaxportal/internal/db"
	"github.com/lalithlochan/sfaxportal/internal/metrics"
)

// Rule describes the forward transition applied to one kind.
type Rule struct {
	Kind     string
	Active   []string // statuses that still expire
	Terminal string
	// RequireOwner leaves records whose establishment is unset or missing
	// in their current status.
	RequireOwner bool
}

var (
	EventRule = Rule{
		Kind:         db.KindEvent,
		Active:       []string{db.EventStatusUpcoming, db.EventStatusOngoing},
		Terminal:     db.EventStatusFinished,
		RequireOwner: true,
	}

	PromotionRule = Rule{
		Kind:     db.KindPromotion,
		Active:   []string{db.PromotionStatusActive},
		Terminal: db.PromotionStatusExpired,
	}
)

type Store interface {
	ListExpired(ctx context.Context, q db.ExpiredQuery) ([]db.LifecycleRecord, error)
	CountOwnerless(ctx context.Context, kind string, statuses []string, now time.Time) (int, error)
	TransitionStatus(ctx context.Context, kind string, id uuid.UUID, from []string, to string) (bool, error)
}

// TransitionPublisher fans applied transitions out to other systems.
type TransitionPublisher interface {
	PublishTransitions(ctx context.Context, transitions []db.StatusTransition) error
}

type Config struct {
	BatchSize        int
	OperationTimeout time.Duration
}

type Job struct {
	store     Store
	rules     []Rule
	publisher TransitionPublisher
	config    Config
	logger    *zap.Logger
}

// New builds a job over rules. publisher may be nil.
func New(store Store, rules []Rule, publisher TransitionPublisher, cfg Config, logger *zap.Logger) *Job {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 30 * time.Second
	}
	return &Job{
		store:     store,
		rules:     rules,
		publisher: publisher,
		config:    cfg,
		logger:    logger,
	}
}

func (j *Job) Name() string {
	return "lifecycle_reconcile"
}

func (j *Job) Tick(ctx context.Context, now time.Time) error {
	_, err := j.Run(ctx, now)
	return err
}

// Run applies every rule once and returns the transitions it made. Rules
// are independent: a listing failure for one kind is reported after the
// others have run.
func (j *Job) Run(ctx context.Context, now time.Time) ([]db.StatusTransition, error) {
	var (
		applied []db.StatusTransition
		errs    []error
	)

	for _, rule := range j.rules {
		transitions, err := j.apply(ctx, rule, now)
		applied = append(applied, transitions...)
		if err != nil {
			errs = append(errs, err)
		}
	}

	if len(applied) > 0 && j.publisher != nil {
		pubCtx, cancel := context.WithTimeout(ctx, j.config.OperationTimeout)
		if err := j.publisher.PublishTransitions(pubCtx, applied); err != nil {
			j.logger.Warn("failed to publish status transitions",
				zap.Error(err),
				zap.Int("count", len(applied)),
			)
		}
		cancel()
	}

	if len(errs) > 0 {
		return applied, errors.Join(errs...)
	}
	return applied, nil
}

func (j *Job) apply(ctx context.Context, rule Rule, now time.Time) ([]db.StatusTransition, error) {
	log := j.logger.With(zap.String("kind", rule.Kind))

	if rule.RequireOwner {
		j.reportOwnerless(ctx, log, rule, now)
	}

	q := db.ExpiredQuery{
		Kind:         rule.Kind,
		Statuses:     rule.Active,
		Now:          now,
		RequireOwner: rule.RequireOwner,
		Limit:        j.config.BatchSize,
	}

	var transitions []db.StatusTransition
	for ctx.Err() == nil {
		listCtx, cancel := context.WithTimeout(ctx, j.config.OperationTimeout)
		records, err := j.store.ListExpired(listCtx, q)
		cancel()
		if err != nil {
			return transitions, fmt.Errorf("list expired %s: %w", rule.Kind, err)
		}
		if len(records) == 0 {
			break
		}
		last := records[len(records)-1]
		q.After = &db.Cursor{At: last.EndsAt, ID: last.ID}

		for _, rec := range records {
			if ctx.Err() != nil {
				break
			}
			if tr, ok := j.transition(ctx, log, rule, rec, now); ok {
				transitions = append(transitions, tr)
			}
		}

		if len(records) < q.Limit {
			break
		}
	}

	if len(transitions) > 0 {
		log.Info("statuses reconciled", zap.Int("count", len(transitions)))
	}
	return transitions, nil
}

func (j *Job) transition(ctx context.Context, log *zap.Logger, rule Rule, rec db.LifecycleRecord, now time.Time) (db.StatusTransition, bool) {
	opCtx, cancel := context.WithTimeout(ctx, j.config.OperationTimeout)
	defer cancel()

	changed, err := j.store.TransitionStatus(opCtx, rule.Kind, rec.ID, rule.Active, rule.Terminal)
	if err != nil {
		log.Error("failed to transition status",
			zap.String("entity_id", rec.ID.String()),
			zap.Error(err),
		)
		return db.StatusTransition{}, false
	}
	if !changed {
		return db.StatusTransition{}, false
	}

	metrics.RecordTransition(rule.Kind, rule.Terminal)
	return db.StatusTransition{
		Kind:       rule.Kind,
		EntityID:   rec.ID,
		Name:       rec.Name,
		From:       rec.Status,
		To:         rule.Terminal,
		OccurredAt: now,
	}, true
}

// reportOwnerless logs how many expired records stay put because their
// establishment is unset or gone. A failed count is only logged.
func (j *Job) reportOwnerless(ctx context.Context, log *zap.Logger, rule Rule, now time.Time) {
	countCtx, cancel := context.WithTimeout(ctx, j.config.OperationTimeout)
	defer cancel()

	count, err := j.store.CountOwnerless(countCtx, rule.Kind, rule.Active, now)
	if err != nil {
		log.Warn("failed to count records without an establishment", zap.Error(err))
		return
	}
	if count > 0 {
		log.Warn("expired records have no establishment, leaving them unchanged",
			zap.Int("count", count),
		)
	}
}
