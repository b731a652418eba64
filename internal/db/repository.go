package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository handles database operations for notifications, entities and
// newsletter subscribers.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

const notificationColumns = `
	id, kind, email, entity_id, entity_name, boundary_at,
	is_sent, attempts, last_error, next_attempt_at, claimed_until,
	sent_at, created_at
`

func scanNotification(row rowScanner) (*Notification, error) {
	var n Notification
	err := row.Scan(
		&n.ID,
		&n.Kind,
		&n.Email,
		&n.EntityID,
		&n.EntityName,
		&n.BoundaryAt,
		&n.IsSent,
		&n.Attempts,
		&n.LastError,
		&n.NextAttemptAt,
		&n.ClaimedUntil,
		&n.SentAt,
		&n.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// CreateNotification inserts a subscription. A second insert for the same
// (kind, email, entity) returns ErrDuplicate.
func (r *Repository) CreateNotification(ctx context.Context, n *Notification) error {
	query := `
		INSERT INTO notifications (
			id, kind, email, entity_id, entity_name, boundary_at, is_sent
		) VALUES ($1, $2, $3, $4, $5, $6, FALSE)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		n.ID,
		n.Kind,
		n.Email,
		n.EntityID,
		n.EntityName,
		n.BoundaryAt,
	).Scan(&n.CreatedAt)

	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	r.logger.Info("notification created",
		zap.String("notification_id", n.ID.String()),
		zap.String("kind", n.Kind),
		zap.String("entity_id", n.EntityID.String()),
	)

	return nil
}

// ListDueNotifications returns one page of unsent notifications whose
// boundary falls in [q.From, q.To), skipping records that are leased by an
// in-flight send, waiting out a retry backoff, or out of attempts. Pages
// are ordered by (boundary_at, id); pass the last row as q.After to
// continue.
func (r *Repository) ListDueNotifications(ctx context.Context, q DueQuery) ([]*Notification, error) {
	query, args := q.build()

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query due notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return notifications, nil
}

func (q DueQuery) build() (string, []interface{}) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE kind = $1
		  AND is_sent = FALSE
		  AND boundary_at >= $2 AND boundary_at < $3
		  AND (next_attempt_at IS NULL OR next_attempt_at <= $4)
		  AND (claimed_until IS NULL OR claimed_until <= $4)`
	args := []interface{}{q.Kind, q.From, q.To, q.Now}

	if q.MaxAttempts > 0 {
		args = append(args, q.MaxAttempts)
		query += fmt.Sprintf(" AND attempts < $%d", len(args))
	}
	if q.After != nil {
		args = append(args, q.After.At, q.After.ID)
		query += fmt.Sprintf(" AND (boundary_at, id) > ($%d, $%d)", len(args)-1, len(args))
	}
	args = append(args, q.Limit)
	query += fmt.Sprintf(" ORDER BY boundary_at ASC, id ASC LIMIT $%d", len(args))
	return query, args
}

// GetNotification retrieves a notification by ID
func (r *Repository) GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	n, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}
	return n, nil
}

// ClaimNotification leases an unsent notification until the given time.
// It reports false when the record was sent, deleted, or is already leased
// by another run, so at most one send is in flight per record.
func (r *Repository) ClaimNotification(ctx context.Context, id uuid.UUID, now, until time.Time) (bool, error) {
	query := `
		UPDATE notifications
		SET claimed_until = $3
		WHERE id = $1
		  AND is_sent = FALSE
		  AND (claimed_until IS NULL OR claimed_until <= $2)
	`

	result, err := r.db.Pool().Exec(ctx, query, id, now, until)
	if err != nil {
		return false, fmt.Errorf("claim notification: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// MarkNotificationSent flips is_sent to true. The flag never goes back.
func (r *Repository) MarkNotificationSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error {
	query := `
		UPDATE notifications
		SET is_sent = TRUE, sent_at = $2, claimed_until = NULL,
		    attempts = attempts + 1, last_error = NULL, next_attempt_at = NULL
		WHERE id = $1 AND is_sent = FALSE
	`

	result, err := r.db.Pool().Exec(ctx, query, id, sentAt)
	if err != nil {
		return fmt.Errorf("mark notification sent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordNotificationFailure counts a failed send, stores the error and
// releases the lease so a later run can retry.
func (r *Repository) RecordNotificationFailure(ctx context.Context, id uuid.UUID, errMsg string, nextAttemptAt *time.Time) error {
	query := `
		UPDATE notifications
		SET attempts = attempts + 1, last_error = $2, next_attempt_at = $3, claimed_until = NULL
		WHERE id = $1 AND is_sent = FALSE
	`

	result, err := r.db.Pool().Exec(ctx, query, id, errMsg, nextAttemptAt)
	if err != nil {
		return fmt.Errorf("record notification failure: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseNotification drops a lease without counting an attempt.
func (r *Repository) ReleaseNotification(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE notifications SET claimed_until = NULL WHERE id = $1 AND is_sent = FALSE`

	if _, err := r.db.Pool().Exec(ctx, query, id); err != nil {
		return fmt.Errorf("release notification: %w", err)
	}
	return nil
}

// UpdateNotificationSnapshot rewrites the denormalized entity fields.
func (r *Repository) UpdateNotificationSnapshot(ctx context.Context, id uuid.UUID, name string, boundary time.Time) error {
	query := `UPDATE notifications SET entity_name = $2, boundary_at = $3 WHERE id = $1`

	result, err := r.db.Pool().Exec(ctx, query, id, name, boundary)
	if err != nil {
		return fmt.Errorf("update notification snapshot: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteNotification removes a notification. Deleting a missing record is not an error.
func (r *Repository) DeleteNotification(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.Pool().Exec(ctx, `DELETE FROM notifications WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}

	r.logger.Debug("notification deleted", zap.String("notification_id", id.String()))
	return nil
}

// CreateNewsletterSubscriber registers an address; duplicates return ErrDuplicate.
func (r *Repository) CreateNewsletterSubscriber(ctx context.Context, s *NewsletterSubscriber) error {
	query := `
		INSERT INTO newsletter_subscribers (id, email)
		VALUES ($1, $2)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query, s.ID, s.Email).Scan(&s.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert newsletter subscriber: %w", err)
	}
	return nil
}
