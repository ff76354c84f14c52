package attendance

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for development and tests. Update holds
// a store-wide lock, so transactions are fully serialized.
type MemoryStore struct {
	mu        sync.Mutex
	attendees map[string]Attendee
	days      map[string]DailyAttendance
	failures  map[string]error
	now       func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		attendees: make(map[string]Attendee),
		days:      make(map[string]DailyAttendance),
		failures:  make(map[string]error),
		now:       time.Now,
	}
}

// Put inserts or replaces an attendee.
func (s *MemoryStore) Put(a Attendee) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = s.now().UTC()
	}
	s.attendees[a.ID] = a
}

// UpsertAttendee implements Registrar. Marks on an existing attendee are kept.
func (s *MemoryStore) UpsertAttendee(_ context.Context, a Attendee) (Attendee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	for id, other := range s.attendees {
		if id == a.ID {
			continue
		}
		if a.UniqueID != "" && other.UniqueID == a.UniqueID {
			return Attendee{}, fmt.Errorf("%w: unique id %s", ErrDuplicateAttendee, a.UniqueID)
		}
		if a.Email != "" && strings.EqualFold(other.Email, a.Email) {
			return Attendee{}, fmt.Errorf("%w: email %s", ErrDuplicateAttendee, a.Email)
		}
	}
	current, ok := s.attendees[a.ID]
	if !ok {
		current = Attendee{ID: a.ID}
	}
	if a.UniqueID != "" {
		current.UniqueID = a.UniqueID
	}
	if a.Email != "" {
		current.Email = a.Email
	}
	current.Name = a.Name
	current.UpdatedAt = s.now().UTC()
	s.attendees[a.ID] = current
	return current, nil
}

// Get returns an attendee by internal id.
func (s *MemoryStore) Get(id string) (Attendee, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attendees[id]
	return a, ok
}

// Day returns the ledger entry for attendee id on day.
func (s *MemoryStore) Day(id, day string) (DailyAttendance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.days[dayKey(id, day)]
	return d, ok
}

// FailUpdates makes every Update for attendee id fail with err; nil clears it.
func (s *MemoryStore) FailUpdates(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, id)
		return
	}
	s.failures[id] = err
}

// Resolve implements Store.
func (s *MemoryStore) Resolve(_ context.Context, ref string) (Attendee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.attendees[ref]; ok {
		return a, nil
	}
	for _, a := range s.attendees {
		if a.UniqueID != "" && a.UniqueID == ref {
			return a, nil
		}
	}
	for _, a := range s.attendees {
		if a.Email != "" && strings.EqualFold(a.Email, ref) {
			return a, nil
		}
	}
	return Attendee{}, ErrAttendeeNotFound
}

// Update implements Store. Writes are staged and only become visible when fn
// returns nil.
func (s *MemoryStore) Update(ctx context.Context, attendeeID string, fn func(current Attendee, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.attendees[attendeeID]
	if !ok {
		return ErrAttendeeNotFound
	}
	tx := &memTx{attendee: current, days: make(map[string]DailyAttendance), store: s}
	if err := fn(current, tx); err != nil {
		return err
	}
	if err := s.failures[attendeeID]; err != nil {
		return err
	}
	if tx.dirty {
		tx.attendee.UpdatedAt = s.now().UTC()
		s.attendees[attendeeID] = tx.attendee
	}
	for k, d := range tx.days {
		s.days[k] = d
	}
	return nil
}

// ChangedSince implements Store.
func (s *MemoryStore) ChangedSince(_ context.Context, cur Cursor, limit int) ([]Attendee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Attendee
	for _, a := range s.attendees {
		if a.UpdatedAt.After(cur.Since) || (a.UpdatedAt.Equal(cur.Since) && cur.AfterID != "" && a.ID > cur.AfterID) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memTx struct {
	store    *MemoryStore
	attendee Attendee
	days     map[string]DailyAttendance
	dirty    bool
}

func (t *memTx) SetMark(_ context.Context, _ string, f Fact, m Mark) error {
	if m.At != nil {
		at := *m.At
		m.At = &at
	}
	t.attendee.setMark(f, m)
	t.dirty = true
	return nil
}

func (t *memTx) UpsertDay(_ context.Context, attendeeID, day string, f Fact, at time.Time) error {
	key := dayKey(attendeeID, day)
	d, ok := t.days[key]
	if !ok {
		d, ok = t.store.days[key]
	}
	if !ok {
		d = DailyAttendance{ID: uuid.NewString(), AttendeeID: attendeeID, Day: day}
	}
	switch f {
	case FactCheckIn:
		d.CheckedIn = true
		if d.CheckedInAt == nil || at.After(*d.CheckedInAt) {
			ts := at
			d.CheckedInAt = &ts
		}
	case FactLunch:
		d.LunchClaimed = true
	case FactKit:
		d.KitClaimed = true
	}
	t.days[key] = d
	return nil
}

func dayKey(id, day string) string {
	return id + "|" + day
}
