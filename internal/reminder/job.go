// Package reminder sends the day-before emails for events and promotions.
//
// A Job is one notification kind. Each run computes tomorrow's window and
// pages through the unsent notifications whose snapshot boundary falls
// inside it, handling each record on its own: a failure on one record never
// stops the rest of the run.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/sfaxportal/internal/circuitbreaker"
	"github.com/lalithlochan/sfaxportal/internal/db"
	"github.com/lalithlochan/sfaxportal/internal/mail"
	"github.com/lalithlochan/sfaxportal/internal/metrics"
)

// Store is the notification persistence the job needs.
type Store interface {
	ListDueNotifications(ctx context.Context, q db.DueQuery) ([]*db.Notification, error)
	ClaimNotification(ctx context.Context, id uuid.UUID, now, until time.Time) (bool, error)
	MarkNotificationSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error
	RecordNotificationFailure(ctx context.Context, id uuid.UUID, errMsg string, nextAttemptAt *time.Time) error
	ReleaseNotification(ctx context.Context, id uuid.UUID) error
	UpdateNotificationSnapshot(ctx context.Context, id uuid.UUID, name string, boundary time.Time) error
	DeleteNotification(ctx context.Context, id uuid.UUID) error
}

// Entity is the live state of the event or promotion a notification
// points at.
type Entity interface {
	Name() string
	Boundary() time.Time
	Status() string
	// Eligible reports whether the entity's status still warrants a reminder.
	Eligible() bool
	// Reminder renders the email for one subscriber.
	Reminder(n *db.Notification) (mail.Message, error)
}

// Source resolves notifications of one kind to their entities. Load returns
// db.ErrNotFound when the entity no longer exists.
type Source interface {
	Kind() string
	Load(ctx context.Context, id uuid.UUID) (Entity, error)
}

type Config struct {
	Location         *time.Location
	BatchSize        int
	Concurrency      int
	ClaimLease       time.Duration
	OperationTimeout time.Duration
	RefreshSnapshot  bool
	Retry            RetryPolicy
}

// Outcomes of handling one due notification.
const (
	OutcomeSent      = "sent"
	OutcomeFailed    = "failed"
	OutcomeOrphaned  = "orphaned"
	OutcomeSkipped   = "skipped"
	OutcomeExhausted = "exhausted"
	OutcomeContended = "contended"
	OutcomeDeferred  = "deferred"
	OutcomeError     = "error"
)

// Result counts what one run did, keyed by outcome.
type Result struct {
	Due      int
	Outcomes map[string]int
}

func (r Result) Count(outcome string) int {
	return r.Outcomes[outcome]
}

type Job struct {
	source     Source
	store      Store
	dispatcher mail.Dispatcher
	config     Config
	logger     *zap.Logger
}

func New(source Source, store Store, dispatcher mail.Dispatcher, cfg Config, logger *zap.Logger) *Job {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = 10 * time.Minute
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 30 * time.Second
	}

	return &Job{
		source:     source,
		store:      store,
		dispatcher: mail.Recovering(dispatcher),
		config:     cfg,
		logger:     logger.With(zap.String("kind", source.Kind())),
	}
}

// Name is the scheduler job name for this kind.
func (j *Job) Name() string {
	return j.source.Kind() + "_reminders"
}

// Tick adapts Run to the scheduler's job signature.
func (j *Job) Tick(ctx context.Context, now time.Time) error {
	_, err := j.Run(ctx, now)
	return err
}

// Run drains the due notifications in pages of BatchSize. Records a page
// leaves untouched (skipped, contended, failed) are stepped over by the
// keyset cursor, so they never hide later records from the same run. On a
// list error the outcomes gathered so far are returned with the error.
func (j *Job) Run(ctx context.Context, now time.Time) (Result, error) {
	from, to := Window(now, j.config.Location)
	result := Result{Outcomes: make(map[string]int)}

	q := db.DueQuery{
		Kind:        j.source.Kind(),
		From:        from,
		To:          to,
		Now:         now,
		MaxAttempts: j.config.Retry.MaxAttempts,
		Limit:       j.config.BatchSize,
	}

	for pages := 0; ctx.Err() == nil; pages++ {
		listCtx, cancel := context.WithTimeout(ctx, j.config.OperationTimeout)
		due, err := j.store.ListDueNotifications(listCtx, q)
		cancel()
		if err != nil {
			return result, fmt.Errorf("list due %s notifications: %w", j.source.Kind(), err)
		}
		if len(due) == 0 {
			break
		}
		if pages == 0 {
			j.logger.Info("processing due reminders",
				zap.Time("window_start", from),
				zap.Time("window_end", to),
			)
		}

		// process may rewrite BoundaryAt, so take the cursor first
		last := due[len(due)-1]
		q.After = &db.Cursor{At: last.BoundaryAt, ID: last.ID}

		result.Due += len(due)
		j.processPage(ctx, due, now, from, to, &result)

		if len(due) < q.Limit {
			break
		}
	}

	if result.Due > 0 {
		j.logger.Info("reminder run finished",
			zap.Int("due", result.Due),
			zap.Int("sent", result.Count(OutcomeSent)),
			zap.Int("failed", result.Count(OutcomeFailed)),
			zap.Int("deferred", result.Count(OutcomeDeferred)),
			zap.Int("orphaned", result.Count(OutcomeOrphaned)),
			zap.Int("skipped", result.Count(OutcomeSkipped)),
		)
	}

	return result, nil
}

func (j *Job) processPage(ctx context.Context, due []*db.Notification, now, from, to time.Time, result *Result) {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.config.Concurrency)

	for _, n := range due {
		n := n
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			outcome := j.process(gctx, n, now, from, to)
			metrics.RecordReminder(j.source.Kind(), outcome)

			mu.Lock()
			result.Outcomes[outcome]++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

func (j *Job) process(ctx context.Context, n *db.Notification, now, from, to time.Time) string {
	log := j.logger.With(
		zap.String("notification_id", n.ID.String()),
		zap.String("entity_id", n.EntityID.String()),
	)

	opCtx, cancel := context.WithTimeout(ctx, j.config.OperationTimeout)
	defer cancel()

	entity, err := j.source.Load(opCtx, n.EntityID)
	if errors.Is(err, db.ErrNotFound) {
		if err := j.store.DeleteNotification(opCtx, n.ID); err != nil {
			log.Error("failed to delete orphaned notification", zap.Error(err))
			return OutcomeError
		}
		log.Info("entity not found, notification deleted")
		return OutcomeOrphaned
	}
	if err != nil {
		log.Error("failed to load entity", zap.Error(err))
		return OutcomeError
	}

	if !entity.Eligible() {
		log.Debug("entity not eligible for reminder, skipping",
			zap.String("status", entity.Status()),
		)
		return OutcomeSkipped
	}

	if j.config.RefreshSnapshot && snapshotStale(n, entity) {
		if err := j.store.UpdateNotificationSnapshot(opCtx, n.ID, entity.Name(), entity.Boundary()); err != nil {
			log.Error("failed to refresh notification snapshot", zap.Error(err))
			return OutcomeError
		}
		n.EntityName = entity.Name()
		n.BoundaryAt = entity.Boundary()
		if n.BoundaryAt.Before(from) || !n.BoundaryAt.Before(to) {
			log.Info("entity rescheduled outside the reminder window",
				zap.Time("boundary_at", n.BoundaryAt),
			)
			return OutcomeSkipped
		}
	}

	if j.config.Retry.Exhausted(n.Attempts) {
		log.Debug("retry budget exhausted", zap.Int("attempts", n.Attempts))
		return OutcomeExhausted
	}

	claimed, err := j.store.ClaimNotification(opCtx, n.ID, now, now.Add(j.config.ClaimLease))
	if err != nil {
		log.Error("failed to claim notification", zap.Error(err))
		return OutcomeError
	}
	if !claimed {
		log.Debug("notification claimed elsewhere or already sent")
		return OutcomeContended
	}

	msg, err := entity.Reminder(n)
	if err == nil {
		err = j.dispatcher.Send(opCtx, msg)
	}
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		// Nothing was attempted; hand the record back without spending an attempt.
		j.release(ctx, log, n)
		log.Debug("mail transport unavailable, reminder deferred")
		return OutcomeDeferred
	}
	if err != nil {
		j.recordFailure(ctx, log, n, now, err)
		return OutcomeFailed
	}

	// The send went out; bookkeeping must not be lost to an expiring opCtx.
	bookCtx, bookCancel := j.bookkeepingContext(ctx)
	defer bookCancel()

	if err := j.store.MarkNotificationSent(bookCtx, n.ID, now); err != nil {
		// The lease expires and the reminder is sent again.
		log.Error("reminder sent but not marked", zap.Error(err))
		return OutcomeSent
	}

	log.Info("reminder sent", zap.String("email", n.Email))
	return OutcomeSent
}

func (j *Job) recordFailure(ctx context.Context, log *zap.Logger, n *db.Notification, now time.Time, sendErr error) {
	attempts := n.Attempts + 1
	next := j.config.Retry.NextAttempt(now, attempts)

	log.Warn("reminder delivery failed",
		zap.Error(sendErr),
		zap.Int("attempt", attempts),
	)

	bookCtx, cancel := j.bookkeepingContext(ctx)
	defer cancel()

	if err := j.store.RecordNotificationFailure(bookCtx, n.ID, sendErr.Error(), next); err != nil {
		log.Error("failed to record delivery failure", zap.Error(err))
		if err := j.store.ReleaseNotification(bookCtx, n.ID); err != nil {
			log.Error("failed to release notification claim", zap.Error(err))
		}
	}
}

func (j *Job) release(ctx context.Context, log *zap.Logger, n *db.Notification) {
	bookCtx, cancel := j.bookkeepingContext(ctx)
	defer cancel()

	if err := j.store.ReleaseNotification(bookCtx, n.ID); err != nil {
		log.Error("failed to release notification claim", zap.Error(err))
	}
}

// bookkeepingContext outlives cancellation of the run so state changes that
// follow a send are still written during shutdown.
func (j *Job) bookkeepingContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), j.config.OperationTimeout)
}

func snapshotStale(n *db.Notification, e Entity) bool {
	return n.EntityName != e.Name() || !n.BoundaryAt.Equal(e.Boundary())
}
