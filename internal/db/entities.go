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

// lifecycleTables maps a notification kind to the table holding its entities.
var lifecycleTables = map[string]string{
	KindEvent:     "events",
	KindPromotion: "promotions",
}

func tableFor(kind string) (string, error) {
	table, ok := lifecycleTables[kind]
	if !ok {
		return "", fmt.Errorf("unknown kind %q", kind)
	}
	return table, nil
}

const eventColumns = `
	id, name, starts_at, ends_at, start_time, end_time, location, city,
	capacity, category, organizer, description, is_public, price_free,
	price_amount, status, establishment_id, created_at, updated_at
`

func scanEvent(row rowScanner) (*Event, error) {
	var e Event
	err := row.Scan(
		&e.ID,
		&e.Name,
		&e.StartsAt,
		&e.EndsAt,
		&e.StartTime,
		&e.EndTime,
		&e.Location,
		&e.City,
		&e.Capacity,
		&e.Category,
		&e.Organizer,
		&e.Description,
		&e.IsPublic,
		&e.PriceFree,
		&e.PriceAmount,
		&e.Status,
		&e.EstablishmentID,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

const promotionColumns = `
	id, name, establishment_id, discount, starts_at, ends_at, status, type,
	code, usage_limit, description, created_at, updated_at
`

func scanPromotion(row rowScanner) (*Promotion, error) {
	var p Promotion
	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.EstablishmentID,
		&p.Discount,
		&p.StartsAt,
		&p.EndsAt,
		&p.Status,
		&p.Type,
		&p.Code,
		&p.UsageLimit,
		&p.Description,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

const establishmentColumns = `
	id, name, address, type, status, postal_code, city, country, longitude,
	latitude, phone, email, website, description, services, created_at,
	updated_at
`

func scanEstablishment(row rowScanner) (*Establishment, error) {
	var e Establishment
	err := row.Scan(
		&e.ID,
		&e.Name,
		&e.Address,
		&e.Type,
		&e.Status,
		&e.PostalCode,
		&e.City,
		&e.Country,
		&e.Longitude,
		&e.Latitude,
		&e.Phone,
		&e.Email,
		&e.Website,
		&e.Description,
		&e.Services,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetEstablishment retrieves an establishment by ID
func (r *Repository) GetEstablishment(ctx context.Context, id uuid.UUID) (*Establishment, error) {
	query := `SELECT ` + establishmentColumns + ` FROM establishments WHERE id = $1`

	e, err := scanEstablishment(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query establishment: %w", err)
	}
	return e, nil
}

// ListEstablishments returns establishments ordered by name. Empty filters
// match everything.
func (r *Repository) ListEstablishments(ctx context.Context, typ, status string, limit, offset int) ([]*Establishment, error) {
	query := `
		SELECT ` + establishmentColumns + `
		FROM establishments
		WHERE ($1 = '' OR type = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY name ASC, id ASC
		LIMIT $3 OFFSET $4
	`

	rows, err := r.db.Pool().Query(ctx, query, typ, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query establishments: %w", err)
	}
	defer rows.Close()

	var establishments []*Establishment
	for rows.Next() {
		e, err := scanEstablishment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan establishment: %w", err)
		}
		establishments = append(establishments, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return establishments, nil
}

// GetEvent retrieves an event by ID
func (r *Repository) GetEvent(ctx context.Context, id uuid.UUID) (*Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE id = $1`

	e, err := scanEvent(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query event: %w", err)
	}
	return e, nil
}

// ListEvents returns events ordered by start date. An empty status lists all.
func (r *Repository) ListEvents(ctx context.Context, status string, limit, offset int) ([]*Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM events
		WHERE ($1 = '' OR status = $1)
		ORDER BY starts_at ASC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return events, nil
}

// GetPromotion retrieves a promotion by ID
func (r *Repository) GetPromotion(ctx context.Context, id uuid.UUID) (*Promotion, error) {
	query := `SELECT ` + promotionColumns + ` FROM promotions WHERE id = $1`

	p, err := scanPromotion(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query promotion: %w", err)
	}
	return p, nil
}

// ListPromotions returns promotions with their stored status. Listing does
// not recompute status; the reconcile job owns that.
func (r *Repository) ListPromotions(ctx context.Context, status string, limit, offset int) ([]*Promotion, error) {
	query := `
		SELECT ` + promotionColumns + `
		FROM promotions
		WHERE ($1 = '' OR status = $1)
		ORDER BY ends_at ASC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query promotions: %w", err)
	}
	defer rows.Close()

	var promotions []*Promotion
	for rows.Next() {
		p, err := scanPromotion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan promotion: %w", err)
		}
		promotions = append(promotions, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return promotions, nil
}

// ListExpired returns one page of records matching q, ordered by
// (ends_at, id). With q.RequireOwner, records whose establishment is
// missing or unset are left out; CountOwnerless reports them.
func (r *Repository) ListExpired(ctx context.Context, q ExpiredQuery) ([]LifecycleRecord, error) {
	table, err := tableFor(q.Kind)
	if err != nil {
		return nil, err
	}

	query, args := q.build(table)

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query expired %s: %w", table, err)
	}
	defer rows.Close()

	var records []LifecycleRecord
	for rows.Next() {
		rec := LifecycleRecord{Kind: q.Kind}
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Status, &rec.EndsAt, &rec.OwnerID); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return records, nil
}

func (q ExpiredQuery) build(table string) (string, []interface{}) {
	query := fmt.Sprintf(`
		SELECT t.id, t.name, t.status, t.ends_at, t.establishment_id
		FROM %s t
		WHERE t.status = ANY($1) AND t.ends_at < $2`, table)
	args := []interface{}{q.Statuses, q.Now}

	if q.RequireOwner {
		query += " AND " + ownerExists
	}
	if q.After != nil {
		args = append(args, q.After.At, q.After.ID)
		query += fmt.Sprintf(" AND (t.ends_at, t.id) > ($%d, $%d)", len(args)-1, len(args))
	}
	args = append(args, q.Limit)
	query += fmt.Sprintf(" ORDER BY t.ends_at ASC, t.id ASC LIMIT $%d", len(args))
	return query, args
}

// ownerExists matches rows of alias t whose establishment is present.
const ownerExists = "EXISTS (SELECT 1 FROM establishments e WHERE e.id = t.establishment_id)"

// CountOwnerless counts expired records that ListExpired with RequireOwner
// leaves out because their establishment is unset or gone.
func (r *Repository) CountOwnerless(ctx context.Context, kind string, statuses []string, now time.Time) (int, error) {
	table, err := tableFor(kind)
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`
		SELECT COUNT(*)
		FROM %s t
		WHERE t.status = ANY($1) AND t.ends_at < $2 AND NOT %s
	`, table, ownerExists)

	var count int
	if err := r.db.Pool().QueryRow(ctx, query, statuses, now).Scan(&count); err != nil {
		return 0, fmt.Errorf("count ownerless %s: %w", table, err)
	}
	return count, nil
}

// TransitionStatus moves a record to status `to` only while its status is
// one of `from`. It reports whether a row changed. An empty `from` forces
// the transition from any status.
func (r *Repository) TransitionStatus(ctx context.Context, kind string, id uuid.UUID, from []string, to string) (bool, error) {
	table, err := tableFor(kind)
	if err != nil {
		return false, err
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND (cardinality($3::text[]) = 0 OR status = ANY($3))
	`, table)

	if from == nil {
		from = []string{}
	}

	result, err := r.db.Pool().Exec(ctx, query, id, to, from)
	if err != nil {
		return false, fmt.Errorf("transition %s status: %w", table, err)
	}

	changed := result.RowsAffected() == 1
	if changed {
		r.logger.Info("status transitioned",
			zap.String("kind", kind),
			zap.String("entity_id", id.String()),
			zap.String("status", to),
		)
	}
	return changed, nil
}
