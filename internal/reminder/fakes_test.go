package reminder

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/sfaxportal/internal/db"
	"github.com/lalithlochan/sfaxportal/internal/mail"
)

// memStore is an in-memory stand-in for the postgres repository with the
// same conditional-update semantics.
type memStore struct {
	mu             sync.Mutex
	notifications  map[uuid.UUID]*db.Notification
	events         map[uuid.UUID]*db.Event
	promotions     map[uuid.UUID]*db.Promotion
	establishments map[uuid.UUID]bool

	listErr      error
	listErrAfter int // listErr applies from this many successful calls on
	listCalls    int
	claimDeny    bool
}

func newMemStore() *memStore {
	return &memStore{
		notifications:  make(map[uuid.UUID]*db.Notification),
		events:         make(map[uuid.UUID]*db.Event),
		promotions:     make(map[uuid.UUID]*db.Promotion),
		establishments: make(map[uuid.UUID]bool),
	}
}

func (s *memStore) addEvent(name, status string, startsAt time.Time) *db.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner := uuid.New()
	s.establishments[owner] = true
	e := &db.Event{
		ID:              uuid.New(),
		Name:            name,
		StartsAt:        startsAt,
		EndsAt:          startsAt.Add(3 * time.Hour),
		StartTime:       "18:00",
		Location:        "Médina de Sfax",
		Status:          status,
		EstablishmentID: &owner,
	}
	s.events[e.ID] = e
	return e
}

func (s *memStore) addPromotion(name, status string, endsAt time.Time, code *string) *db.Promotion {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &db.Promotion{
		ID:     uuid.New(),
		Name:   name,
		EndsAt: endsAt,
		Status: status,
		Code:   code,
	}
	s.promotions[p.ID] = p
	return p
}

func (s *memStore) subscribe(kind, email string, entityID uuid.UUID, name string, boundary time.Time) *db.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := &db.Notification{
		ID:         uuid.New(),
		Kind:       kind,
		Email:      email,
		EntityID:   entityID,
		EntityName: name,
		BoundaryAt: boundary,
	}
	s.notifications[n.ID] = n
	return n
}

func (s *memStore) get(id uuid.UUID) (db.Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return db.Notification{}, false
	}
	return *n, true
}

func (s *memStore) GetEvent(ctx context.Context, id uuid.UUID) (*db.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *memStore) GetPromotion(ctx context.Context, id uuid.UUID) (*db.Promotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.promotions[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) ListDueNotifications(ctx context.Context, q db.DueQuery) ([]*db.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	if s.listErr != nil && s.listCalls > s.listErrAfter {
		return nil, s.listErr
	}

	var out []*db.Notification
	for _, n := range s.notifications {
		if n.Kind != q.Kind || n.IsSent {
			continue
		}
		if n.BoundaryAt.Before(q.From) || !n.BoundaryAt.Before(q.To) {
			continue
		}
		if n.NextAttemptAt != nil && n.NextAttemptAt.After(q.Now) {
			continue
		}
		if n.ClaimedUntil != nil && n.ClaimedUntil.After(q.Now) {
			continue
		}
		if q.MaxAttempts > 0 && n.Attempts >= q.MaxAttempts {
			continue
		}
		if q.After != nil && !after(n.BoundaryAt, n.ID, *q.After) {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return after(out[j].BoundaryAt, out[j].ID, db.Cursor{At: out[i].BoundaryAt, ID: out[i].ID})
	})
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// after reports whether (at, id) sorts strictly after c.
func after(at time.Time, id uuid.UUID, c db.Cursor) bool {
	if !at.Equal(c.At) {
		return at.After(c.At)
	}
	return bytes.Compare(id[:], c.ID[:]) > 0
}

func (s *memStore) ClaimNotification(ctx context.Context, id uuid.UUID, now, until time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimDeny {
		return false, nil
	}
	n, ok := s.notifications[id]
	if !ok || n.IsSent || (n.ClaimedUntil != nil && n.ClaimedUntil.After(now)) {
		return false, nil
	}
	n.ClaimedUntil = &until
	return true, nil
}

func (s *memStore) MarkNotificationSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok || n.IsSent {
		return db.ErrNotFound
	}
	n.IsSent = true
	n.SentAt = &sentAt
	n.ClaimedUntil = nil
	n.Attempts++
	n.LastError = nil
	n.NextAttemptAt = nil
	return nil
}

func (s *memStore) RecordNotificationFailure(ctx context.Context, id uuid.UUID, errMsg string, next *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok || n.IsSent {
		return db.ErrNotFound
	}
	n.Attempts++
	n.LastError = &errMsg
	n.NextAttemptAt = next
	n.ClaimedUntil = nil
	return nil
}

func (s *memStore) ReleaseNotification(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.notifications[id]; ok && !n.IsSent {
		n.ClaimedUntil = nil
	}
	return nil
}

func (s *memStore) UpdateNotificationSnapshot(ctx context.Context, id uuid.UUID, name string, boundary time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return db.ErrNotFound
	}
	n.EntityName = name
	n.BoundaryAt = boundary
	return nil
}

func (s *memStore) DeleteNotification(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.notifications, id)
	return nil
}

// The lifecycle methods let reconciliation run against the same records.

func (s *memStore) lifecycle(kind string) []db.LifecycleRecord {
	var out []db.LifecycleRecord
	switch kind {
	case db.KindEvent:
		for _, e := range s.events {
			out = append(out, db.LifecycleRecord{ID: e.ID, Kind: kind, Name: e.Name, Status: e.Status, EndsAt: e.EndsAt, OwnerID: e.EstablishmentID})
		}
	case db.KindPromotion:
		for _, p := range s.promotions {
			out = append(out, db.LifecycleRecord{ID: p.ID, Kind: kind, Name: p.Name, Status: p.Status, EndsAt: p.EndsAt, OwnerID: p.EstablishmentID})
		}
	}
	return out
}

func (s *memStore) owned(r db.LifecycleRecord) bool {
	return r.OwnerID != nil && s.establishments[*r.OwnerID]
}

func (s *memStore) ListExpired(ctx context.Context, q db.ExpiredQuery) ([]db.LifecycleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.LifecycleRecord
	for _, r := range s.lifecycle(q.Kind) {
		if !slices.Contains(q.Statuses, r.Status) || !r.EndsAt.Before(q.Now) {
			continue
		}
		if q.RequireOwner && !s.owned(r) {
			continue
		}
		if q.After != nil && !after(r.EndsAt, r.ID, *q.After) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return after(out[j].EndsAt, out[j].ID, db.Cursor{At: out[i].EndsAt, ID: out[i].ID})
	})
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *memStore) CountOwnerless(ctx context.Context, kind string, statuses []string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, r := range s.lifecycle(kind) {
		if slices.Contains(statuses, r.Status) && r.EndsAt.Before(now) && !s.owned(r) {
			count++
		}
	}
	return count, nil
}

func (s *memStore) TransitionStatus(ctx context.Context, kind string, id uuid.UUID, from []string, to string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var status *string
	switch kind {
	case db.KindEvent:
		if e, ok := s.events[id]; ok {
			status = &e.Status
		}
	case db.KindPromotion:
		if p, ok := s.promotions[id]; ok {
			status = &p.Status
		}
	}
	if status == nil || (len(from) > 0 && !slices.Contains(from, *status)) {
		return false, nil
	}
	*status = to
	return true, nil
}

// recordingDispatcher captures sent mail and fails for listed recipients.
type recordingDispatcher struct {
	mu      sync.Mutex
	sent    []mail.Message
	failTo  map[string]bool
	failAll bool
}

func (d *recordingDispatcher) Send(ctx context.Context, msg mail.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failAll || d.failTo[msg.To] {
		return errors.New("smtp: 421 service not available")
	}
	d.sent = append(d.sent, msg)
	return nil
}

func (d *recordingDispatcher) messages() []mail.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]mail.Message(nil), d.sent...)
}
