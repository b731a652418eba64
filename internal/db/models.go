package db

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a lookup by id matches nothing.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when an insert violates a unique key.
	ErrDuplicate = errors.New("duplicate record")
)

// Notification kinds. Each kind references a different entity table.
const (
	KindEvent     = "event"
	KindPromotion = "promotion"
)

// Event lifecycle statuses.
const (
	EventStatusUpcoming = "À venir"
	EventStatusOngoing  = "En cours"
	EventStatusFinished = "Terminé"
)

// Promotion lifecycle statuses.
const (
	PromotionStatusPending   = "pending"
	PromotionStatusScheduled = "scheduled"
	PromotionStatusActive    = "active"
	PromotionStatusExpired   = "expired"
)

// Establishment statuses. Only active establishments are shown publicly.
const (
	EstablishmentStatusActive   = "Actif"
	EstablishmentStatusPending  = "En attente"
	EstablishmentStatusInactive = "Inactif"
	EstablishmentStatusArchived = "Archivé"
)

// Establishment types.
const (
	EstablishmentTypeRestaurant = "Restaurant"
	EstablishmentTypeHotel      = "Hôtel"
	EstablishmentTypeCafe       = "Café"
)

// Establishment is a venue listed on the portal. Events and promotions
// point at their owning establishment.
type Establishment struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Address     string    `json:"address"`
	Type        string    `json:"type"`
	Status      string    `json:"status"`
	PostalCode  *string   `json:"postal_code,omitempty"`
	City        *string   `json:"city,omitempty"`
	Country     string    `json:"country"`
	Longitude   float64   `json:"longitude"`
	Latitude    float64   `json:"latitude"`
	Phone       string    `json:"phone"`
	Email       string    `json:"email"`
	Website     string    `json:"website"`
	Description string    `json:"description"`
	Services    []string  `json:"services"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Event is a dated happening hosted by an establishment.
type Event struct {
	ID              uuid.UUID  `json:"id"`
	Name            string     `json:"name"`
	StartsAt        time.Time  `json:"starts_at"`
	EndsAt          time.Time  `json:"ends_at"`
	StartTime       string     `json:"start_time"`
	EndTime         *string    `json:"end_time,omitempty"`
	Location        string     `json:"location"`
	City            string     `json:"city"`
	Capacity        int        `json:"capacity"`
	Category        string     `json:"category"`
	Organizer       *string    `json:"organizer,omitempty"`
	Description     *string    `json:"description,omitempty"`
	IsPublic        bool       `json:"is_public"`
	PriceFree       bool       `json:"price_free"`
	PriceAmount     *float64   `json:"price_amount,omitempty"`
	Status          string     `json:"status"`
	EstablishmentID *uuid.UUID `json:"establishment_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Promotion is a time-boxed offer published by an establishment.
type Promotion struct {
	ID              uuid.UUID  `json:"id"`
	Name            string     `json:"name"`
	EstablishmentID *uuid.UUID `json:"establishment_id,omitempty"`
	Discount        string     `json:"discount"`
	StartsAt        time.Time  `json:"starts_at"`
	EndsAt          time.Time  `json:"ends_at"`
	Status          string     `json:"status"`
	Type            string     `json:"type"`
	Code            *string    `json:"code,omitempty"`
	UsageLimit      *int       `json:"usage_limit,omitempty"`
	Description     *string    `json:"description,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Notification is a subscriber's request to be reminded about one entity.
// EntityName and BoundaryAt are copied from the entity when the
// subscription is made and are not kept in sync afterwards.
type Notification struct {
	ID            uuid.UUID  `json:"id"`
	Kind          string     `json:"kind"`
	Email         string     `json:"email"`
	EntityID      uuid.UUID  `json:"entity_id"`
	EntityName    string     `json:"entity_name"`
	BoundaryAt    time.Time  `json:"boundary_at"`
	IsSent        bool       `json:"is_sent"`
	Attempts      int        `json:"attempts"`
	LastError     *string    `json:"last_error,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	ClaimedUntil  *time.Time `json:"claimed_until,omitempty"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// LifecycleRecord is the projection of an event or promotion the
// status reconciler works on.
type LifecycleRecord struct {
	ID      uuid.UUID
	Kind    string
	Name    string
	Status  string
	EndsAt  time.Time
	OwnerID *uuid.UUID
}

// Cursor is a keyset position in a result ordered by (time, id). Paging
// with a cursor moves past rows a caller skipped without writing.
type Cursor struct {
	At time.Time
	ID uuid.UUID
}

// DueQuery selects unsent notifications of one kind whose boundary falls
// in [From, To) and that are neither leased nor backing off at Now.
type DueQuery struct {
	Kind     string
	From, To time.Time
	Now      time.Time
	// MaxAttempts excludes records that already failed this many times;
	// 0 keeps them all.
	MaxAttempts int
	After       *Cursor
	Limit       int
}

// ExpiredQuery selects records of one kind in one of Statuses whose end
// boundary is strictly before Now.
type ExpiredQuery struct {
	Kind     string
	Statuses []string
	Now      time.Time
	// RequireOwner keeps only records whose establishment exists.
	RequireOwner bool
	After        *Cursor
	Limit        int
}

// StatusTransition records one status change applied by reconciliation.
type StatusTransition struct {
	Kind       string    `json:"kind"`
	EntityID   uuid.UUID `json:"entity_id"`
	Name       string    `json:"name"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewsletterSubscriber is an address registered for the newsletter.
type NewsletterSubscriber struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}
