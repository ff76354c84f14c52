package attendance

import (
	"context"
	"time"
)

// Store is the canonical attendee store the engine reconciles against.
type Store interface {
	// Resolve finds an attendee by internal id, then public unique id, then
	// email. It returns ErrAttendeeNotFound when none match.
	Resolve(ctx context.Context, ref string) (Attendee, error)
	// Update runs fn in one transaction holding the attendee's row lock. fn
	// receives the locked state; returning an error rolls every write back.
	Update(ctx context.Context, attendeeID string, fn func(current Attendee, tx Tx) error) error
	// ChangedSince lists attendees positioned after cur in (UpdatedAt, ID)
	// order, at most limit of them.
	ChangedSince(ctx context.Context, cur Cursor, limit int) ([]Attendee, error)
}

// Tx is the write side of an Update transaction.
type Tx interface {
	SetMark(ctx context.Context, attendeeID string, f Fact, m Mark) error
	UpsertDay(ctx context.Context, attendeeID, day string, f Fact, at time.Time) error
}

// Registrar creates or updates attendee identities. An empty ID is assigned
// a fresh one. A unique id or email already held by another attendee yields
// ErrDuplicateAttendee.
type Registrar interface {
	UpsertAttendee(ctx context.Context, a Attendee) (Attendee, error)
}
