package reconcile

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/sfaxportal/internal/db"
)

var now = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

type record struct {
	db.LifecycleRecord
}

type memStore struct {
	mu             sync.Mutex
	records        map[uuid.UUID]*record
	establishments map[uuid.UUID]bool
	listErr        map[string]error
	countErr       error
	listCalls      int
}

func newMemStore() *memStore {
	return &memStore{
		records:        make(map[uuid.UUID]*record),
		establishments: make(map[uuid.UUID]bool),
		listErr:        make(map[string]error),
	}
}

// add stores a record; owned ones point at an existing establishment.
func (s *memStore) add(kind, status string, endsAt time.Time, owned bool) uuid.UUID {
	var owner *uuid.UUID
	if owned {
		id := uuid.New()
		s.mu.Lock()
		s.establishments[id] = true
		s.mu.Unlock()
		owner = &id
	}
	return s.addWithOwner(kind, status, endsAt, owner)
}

func (s *memStore) addWithOwner(kind, status string, endsAt time.Time, owner *uuid.UUID) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := &record{db.LifecycleRecord{
		ID:      uuid.New(),
		Kind:    kind,
		Name:    "entity-" + status,
		Status:  status,
		EndsAt:  endsAt,
		OwnerID: owner,
	}}
	s.records[rec.ID] = rec
	return rec.ID
}

func (s *memStore) status(id uuid.UUID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id].Status
}

func (s *memStore) hasOwner(r *record) bool {
	return r.OwnerID != nil && s.establishments[*r.OwnerID]
}

func (s *memStore) ListExpired(ctx context.Context, q db.ExpiredQuery) ([]db.LifecycleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	if err := s.listErr[q.Kind]; err != nil {
		return nil, err
	}
	var out []db.LifecycleRecord
	for _, r := range s.records {
		if r.Kind != q.Kind || !contains(q.Statuses, r.Status) || !r.EndsAt.Before(q.Now) {
			continue
		}
		if q.RequireOwner && !s.hasOwner(r) {
			continue
		}
		if q.After != nil && !after(r.EndsAt, r.ID, *q.After) {
			continue
		}
		out = append(out, r.LifecycleRecord)
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
	if s.countErr != nil {
		return 0, s.countErr
	}
	count := 0
	for _, r := range s.records {
		if r.Kind == kind && contains(statuses, r.Status) && r.EndsAt.Before(now) && !s.hasOwner(r) {
			count++
		}
	}
	return count, nil
}

func (s *memStore) TransitionStatus(ctx context.Context, kind string, id uuid.UUID, from []string, to string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok || (len(from) > 0 && !contains(from, r.Status)) {
		return false, nil
	}
	r.Status = to
	return true, nil
}

// after reports whether (at, id) sorts strictly after c.
func after(at time.Time, id uuid.UUID, c db.Cursor) bool {
	if !at.Equal(c.At) {
		return at.After(c.At)
	}
	return bytes.Compare(id[:], c.ID[:]) > 0
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

type fakePublisher struct {
	calls [][]db.StatusTransition
	err   error
}

func (p *fakePublisher) PublishTransitions(ctx context.Context, transitions []db.StatusTransition) error {
	p.calls = append(p.calls, transitions)
	return p.err
}

func newJob(store Store, pub TransitionPublisher) *Job {
	return New(store, []Rule{EventRule, PromotionRule}, pub, Config{}, zap.NewNop())
}

func TestJob_ExpiresPastEntities(t *testing.T) {
	store := newMemStore()
	upcoming := store.add(db.KindEvent, db.EventStatusUpcoming, now.Add(-time.Hour), true)
	ongoing := store.add(db.KindEvent, db.EventStatusOngoing, now.Add(-time.Minute), true)
	future := store.add(db.KindEvent, db.EventStatusOngoing, now.Add(time.Hour), true)
	promo := store.add(db.KindPromotion, db.PromotionStatusActive, now.Add(-time.Second), false)
	scheduled := store.add(db.KindPromotion, db.PromotionStatusScheduled, now.Add(-time.Hour), false)

	transitions, err := newJob(store, nil).Run(context.Background(), now)
	require.NoError(t, err)
	assert.Len(t, transitions, 3)

	assert.Equal(t, db.EventStatusFinished, store.status(upcoming))
	assert.Equal(t, db.EventStatusFinished, store.status(ongoing))
	assert.Equal(t, db.EventStatusOngoing, store.status(future))
	assert.Equal(t, db.PromotionStatusExpired, store.status(promo))
	assert.Equal(t, db.PromotionStatusScheduled, store.status(scheduled))
}

func TestJob_BoundaryEqualToNowIsNotExpired(t *testing.T) {
	store := newMemStore()
	id := store.add(db.KindPromotion, db.PromotionStatusActive, now, false)

	transitions, err := newJob(store, nil).Run(context.Background(), now)
	require.NoError(t, err)
	assert.Empty(t, transitions)
	assert.Equal(t, db.PromotionStatusActive, store.status(id))
}

func TestJob_Idempotent(t *testing.T) {
	store := newMemStore()
	store.add(db.KindEvent, db.EventStatusUpcoming, now.Add(-time.Hour), true)
	store.add(db.KindPromotion, db.PromotionStatusActive, now.Add(-time.Hour), false)

	job := newJob(store, nil)
	first, err := job.Run(context.Background(), now)
	require.NoError(t, err)
	assert.Len(t, first, 2)

	second, err := job.Run(context.Background(), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestJob_SkipsEventWithoutOwner(t *testing.T) {
	store := newMemStore()
	unset := store.add(db.KindEvent, db.EventStatusUpcoming, now.Add(-time.Hour), false)
	gone := uuid.New()
	dangling := store.addWithOwner(db.KindEvent, db.EventStatusUpcoming, now.Add(-time.Hour), &gone)
	owned := store.add(db.KindEvent, db.EventStatusUpcoming, now.Add(-time.Hour), true)

	transitions, err := newJob(store, nil).Run(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Equal(t, owned, transitions[0].EntityID)

	assert.Equal(t, db.EventStatusUpcoming, store.status(unset))
	assert.Equal(t, db.EventStatusUpcoming, store.status(dangling))
	assert.Equal(t, db.EventStatusFinished, store.status(owned))
}

func TestJob_OwnerlessRecordsDoNotHideOwnedOnes(t *testing.T) {
	store := newMemStore()
	// ownerless rows sort first and outnumber the page size
	store.add(db.KindEvent, db.EventStatusOngoing, now.Add(-3*time.Hour), false)
	store.add(db.KindEvent, db.EventStatusOngoing, now.Add(-2*time.Hour), false)
	owned := store.add(db.KindEvent, db.EventStatusOngoing, now.Add(-time.Hour), true)

	job := New(store, []Rule{EventRule}, nil, Config{BatchSize: 2}, zap.NewNop())
	transitions, err := job.Run(context.Background(), now)
	require.NoError(t, err)

	require.Len(t, transitions, 1)
	assert.Equal(t, db.EventStatusFinished, store.status(owned))
}

func TestJob_DrainsEveryPage(t *testing.T) {
	store := newMemStore()
	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		ids = append(ids, store.add(db.KindPromotion, db.PromotionStatusActive, now.Add(-time.Duration(i+1)*time.Minute), false))
	}

	job := New(store, []Rule{PromotionRule}, nil, Config{BatchSize: 2}, zap.NewNop())
	transitions, err := job.Run(context.Background(), now)
	require.NoError(t, err)

	assert.Len(t, transitions, 5)
	for _, id := range ids {
		assert.Equal(t, db.PromotionStatusExpired, store.status(id))
	}
	// two full pages, then a short one
	assert.Equal(t, 3, store.listCalls)
}

func TestJob_RecordsSharingEndTimeArePagedOnce(t *testing.T) {
	store := newMemStore()
	ended := now.Add(-time.Hour)
	for i := 0; i < 4; i++ {
		store.add(db.KindPromotion, db.PromotionStatusActive, ended, false)
	}

	job := New(store, []Rule{PromotionRule}, nil, Config{BatchSize: 3}, zap.NewNop())
	transitions, err := job.Run(context.Background(), now)
	require.NoError(t, err)

	seen := make(map[uuid.UUID]bool)
	for _, tr := range transitions {
		assert.False(t, seen[tr.EntityID], "transitioned twice")
		seen[tr.EntityID] = true
	}
	assert.Len(t, seen, 4)
}

func TestJob_OwnerlessCountFailureIsNotAnError(t *testing.T) {
	store := newMemStore()
	store.countErr = errors.New("statement timeout")
	owned := store.add(db.KindEvent, db.EventStatusOngoing, now.Add(-time.Hour), true)

	_, err := newJob(store, nil).Run(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, db.EventStatusFinished, store.status(owned))
}

func TestJob_TransitionDetails(t *testing.T) {
	store := newMemStore()
	id := store.add(db.KindEvent, db.EventStatusOngoing, now.Add(-time.Hour), true)

	transitions, err := newJob(store, nil).Run(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, transitions, 1)

	tr := transitions[0]
	assert.Equal(t, db.KindEvent, tr.Kind)
	assert.Equal(t, id, tr.EntityID)
	assert.Equal(t, db.EventStatusOngoing, tr.From)
	assert.Equal(t, db.EventStatusFinished, tr.To)
	assert.Equal(t, now, tr.OccurredAt)
}

func TestJob_PublishesTransitions(t *testing.T) {
	store := newMemStore()
	store.add(db.KindEvent, db.EventStatusUpcoming, now.Add(-time.Hour), true)
	store.add(db.KindPromotion, db.PromotionStatusActive, now.Add(-time.Hour), false)

	pub := &fakePublisher{}
	_, err := newJob(store, pub).Run(context.Background(), now)
	require.NoError(t, err)

	require.Len(t, pub.calls, 1)
	assert.Len(t, pub.calls[0], 2)
}

func TestJob_NothingToPublish(t *testing.T) {
	pub := &fakePublisher{}
	_, err := newJob(newMemStore(), pub).Run(context.Background(), now)
	require.NoError(t, err)
	assert.Empty(t, pub.calls)
}

func TestJob_PublishFailureIsNotAnError(t *testing.T) {
	store := newMemStore()
	id := store.add(db.KindPromotion, db.PromotionStatusActive, now.Add(-time.Hour), false)

	pub := &fakePublisher{err: errors.New("sns: throttled")}
	transitions, err := newJob(store, pub).Run(context.Background(), now)
	require.NoError(t, err)
	assert.Len(t, transitions, 1)
	assert.Equal(t, db.PromotionStatusExpired, store.status(id))
}

func TestJob_ListFailureDoesNotBlockOtherKinds(t *testing.T) {
	store := newMemStore()
	store.listErr[db.KindEvent] = errors.New("connection reset")
	promo := store.add(db.KindPromotion, db.PromotionStatusActive, now.Add(-time.Hour), false)

	transitions, err := newJob(store, nil).Run(context.Background(), now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Len(t, transitions, 1)
	assert.Equal(t, db.PromotionStatusExpired, store.status(promo))
}
