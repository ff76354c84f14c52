package attendance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreUpsertAttendee(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	created, err := s.UpsertAttendee(ctx, Attendee{UniqueID: "EVT-0003", Email: "linus@example.com", Name: "Linus"})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	got, err := s.Resolve(ctx, "LINUS@example.com")
	require.NoError(t, err)
	require.Equal(t, created.ID, got.ID)

	_, err = s.UpsertAttendee(ctx, Attendee{Email: "ada@example.com"})
	require.ErrorIs(t, err, ErrDuplicateAttendee)

	_, err = NewEngine(s).Apply(ctx, created.ID, CheckInEvent{At: t1}, "staff-1", "station-1")
	require.NoError(t, err)
	renamed, err := s.UpsertAttendee(ctx, Attendee{ID: created.ID, Name: "Linus T."})
	require.NoError(t, err)
	require.Equal(t, "Linus T.", renamed.Name)
	require.Equal(t, "EVT-0003", renamed.UniqueID)
	require.True(t, renamed.CheckIn.Set)
}
