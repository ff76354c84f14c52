package attendance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"
)

// Detail statuses.
const (
	StatusSynced   = "synced"
	StatusConflict = "conflict"
	StatusSkipped  = "skipped"
)

// Report is the per-batch outcome of Reconcile.
type Report struct {
	Total     int      `json:"total"`
	Processed int      `json:"processed"`
	Skipped   int      `json:"skipped"`
	Conflicts int      `json:"conflicts"`
	Details   []Detail `json:"details"`
}

// Detail is the outcome of one record.
type Detail struct {
	Index           int      `json:"index"`
	AttendeeRef     string   `json:"attendeeId"`
	AttendeeID      string   `json:"canonicalId,omitempty"`
	Type            string   `json:"type"`
	Status          string   `json:"status"`
	Reason          string   `json:"reason,omitempty"`
	ClientTimestamp *Instant `json:"clientTimestamp,omitempty"`
	ServerTimestamp *Instant `json:"serverTimestamp,omitempty"`
}

// Applied describes a write that reached the canonical store.
type Applied struct {
	AttendeeID string    `json:"attendee_id"`
	Fact       Fact      `json:"fact"`
	At         time.Time `json:"at"`
	Location   string    `json:"location"`
	StaffID    string    `json:"staff_id"`
	StationID  string    `json:"station_id"`
	Offline    bool      `json:"offline"`
}

// StaleWriteError reports that the store already holds a strictly later instant.
type StaleWriteError struct {
	Fact     Fact
	ServerAt time.Time
	ClientAt time.Time
}

func (e *StaleWriteError) Error() string {
	return fmt.Sprintf("%s already recorded at %s (record at %s)", e.Fact,
		e.ServerAt.UTC().Format(time.RFC3339), e.ClientAt.UTC().Format(time.RFC3339))
}

// Is makes StaleWriteError match ErrStaleWrite.
func (e *StaleWriteError) Is(target error) bool { return target == ErrStaleWrite }

// Notifier receives every applied write, after its transaction commits.
type Notifier interface {
	Publish(ctx context.Context, a Applied) error
}

// Engine merges check-in and resource-claim events into the canonical store
// with last-write-wins semantics on each fact's stored instant.
type Engine struct {
	store    Store
	loc      *time.Location
	workers  int
	locks    *keyedMutex
	notifier Notifier
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLocation sets the timezone used for per-day buckets.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

// WithWorkers bounds how many records of a batch are applied concurrently.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithNotifier forwards applied writes to n.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// NewEngine creates an engine over store.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{store: store, loc: time.UTC, workers: 1, locks: newKeyedMutex(), now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Reconcile applies a batch of offline records. Every record is handled
// independently and always yields a detail entry; there is no batch abort.
func (e *Engine) Reconcile(ctx context.Context, records []RawRecord, staffID, stationID string) Report {
	details := make([]Detail, len(records))

	g := new(errgroup.Group)
	g.SetLimit(e.workers)
	for i := range records {
		i := i
		g.Go(func() error {
			details[i] = e.reconcileOne(ctx, i, records[i], staffID, stationID)
			return nil
		})
	}
	_ = g.Wait()

	report := Report{Total: len(records), Details: details}
	for _, d := range details {
		switch d.Status {
		case StatusSynced:
			report.Processed++
		case StatusConflict:
			report.Conflicts++
		default:
			report.Skipped++
		}
	}
	return report
}

func (e *Engine) reconcileOne(ctx context.Context, idx int, rec RawRecord, staffID, stationID string) Detail {
	d := Detail{Index: idx, AttendeeRef: rec.AttendeeID, Type: rec.Type}
	if rec.Timestamp != nil && !rec.Timestamp.IsZero() {
		d.ClientTimestamp = &Instant{Time: rec.Timestamp.Time}
	}
	skip := func(err error) Detail {
		d.Status = StatusSkipped
		d.Reason = err.Error()
		return d
	}

	if err := rec.Validate(); err != nil {
		return skip(err)
	}
	attendee, err := e.store.Resolve(ctx, rec.AttendeeID)
	if err != nil {
		if !errors.Is(err, ErrAttendeeNotFound) {
			log.Printf("sync: resolve %q failed: %v", rec.AttendeeID, err)
		}
		return skip(err)
	}
	d.AttendeeID = attendee.ID

	evt, err := rec.Decode()
	if err != nil {
		return skip(err)
	}

	_, err = e.apply(ctx, attendee.ID, evt, staffID, stationID, true)
	var stale *StaleWriteError
	switch {
	case err == nil:
		d.Status = StatusSynced
	case errors.As(err, &stale):
		d.Status = StatusConflict
		d.Reason = err.Error()
		d.ServerTimestamp = &Instant{Time: stale.ServerAt}
	default:
		log.Printf("sync: record %d for attendee %s not applied: %v", idx, attendee.ID, err)
		return skip(err)
	}
	return d
}

// Apply writes a single live event, such as a verified QR scan, through the
// same last-write-wins path as offline records.
func (e *Engine) Apply(ctx context.Context, attendeeRef string, evt Event, staffID, stationID string) (Applied, error) {
	attendee, err := e.store.Resolve(ctx, attendeeRef)
	if err != nil {
		return Applied{}, err
	}
	return e.apply(ctx, attendee.ID, evt, staffID, stationID, false)
}

// Resolve looks an attendee up by internal id, unique id or email.
func (e *Engine) Resolve(ctx context.Context, ref string) (Attendee, error) {
	return e.store.Resolve(ctx, ref)
}

// ChangesOverlap is how far a final changes cursor trails the read. A store
// transaction stamps updated_at before it commits, so a row can become
// visible after a read that already passed its timestamp. Rows inside the
// overlap are sent again and clients apply them idempotently.
const ChangesOverlap = 30 * time.Second

// maxChanges caps one page of the changes feed.
const maxChanges = 1000

// Cursor is a position in the changes feed, ordered by (UpdatedAt, ID).
// An empty AfterID means every row stamped exactly at Since is included.
type Cursor struct {
	Since   time.Time
	AfterID string
}

// ChangeSet is one page of the changes feed.
type ChangeSet struct {
	Attendees []Attendee
	// Next is the cursor for the following request.
	Next Cursor
	// More reports that the page was full and another request should follow
	// immediately.
	More bool
}

// Changes lists attendee snapshots after cur, oldest first.
func (e *Engine) Changes(ctx context.Context, cur Cursor, limit int) (ChangeSet, error) {
	if limit <= 0 || limit > maxChanges {
		limit = maxChanges
	}
	readAt := e.now()
	list, err := e.store.ChangedSince(ctx, cur, limit)
	if err != nil {
		return ChangeSet{}, err
	}
	set := ChangeSet{Attendees: list}
	if len(list) == limit {
		last := list[len(list)-1]
		set.More = true
		set.Next = Cursor{Since: last.UpdatedAt.UTC(), AfterID: last.ID}
		return set, nil
	}
	set.Next = Cursor{Since: readAt.Add(-ChangesOverlap).UTC()}
	if !set.Next.Since.After(cur.Since) {
		set.Next = cur
	}
	return set, nil
}

func (e *Engine) apply(ctx context.Context, attendeeID string, evt Event, staffID, stationID string, offline bool) (Applied, error) {
	at := evt.When()
	fact := evt.Fact()
	location := evt.Where()
	if location == "" {
		location = stationID
	}
	applied := Applied{
		AttendeeID: attendeeID,
		Fact:       fact,
		At:         at,
		Location:   location,
		StaffID:    staffID,
		StationID:  stationID,
		Offline:    offline,
	}

	unlock := e.locks.Lock(attendeeID)
	var stale *StaleWriteError
	err := e.store.Update(ctx, attendeeID, func(current Attendee, tx Tx) error {
		stored := current.Mark(fact)
		if stored.Set && stored.At != nil && stored.At.After(at) {
			stale = &StaleWriteError{Fact: fact, ServerAt: *stored.At, ClientAt: at}
			return nil
		}
		mark := Mark{Set: true, At: &at, Location: location}
		if fact != FactCheckIn {
			mark.By = staffID
		}
		if err := tx.SetMark(ctx, attendeeID, fact, mark); err != nil {
			return err
		}
		return tx.UpsertDay(ctx, attendeeID, dayBucket(at, e.loc), fact, at)
	})
	unlock()

	if err != nil {
		return Applied{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if stale != nil {
		return Applied{}, stale
	}
	if e.notifier != nil {
		if err := e.notifier.Publish(ctx, applied); err != nil {
			log.Printf("sync: notify %s %s failed: %v", fact, attendeeID, err)
		}
	}
	return applied, nil
}
