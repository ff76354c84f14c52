package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// uniqueViolation is the Postgres SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// Repository persists attendees and the daily ledger in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const attendeeColumns = `id, unique_id, email, name,
	checked_in, checked_in_at, check_in_location, checked_in_by,
	lunch_claimed, lunch_claimed_at, lunch_claimed_location, lunch_claimed_by,
	kit_claimed, kit_claimed_at, kit_claimed_location, kit_claimed_by,
	updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttendee(row rowScanner) (Attendee, error) {
	var a Attendee
	var uniqueID, email sql.NullString
	err := row.Scan(&a.ID, &uniqueID, &email, &a.Name,
		&a.CheckIn.Set, &a.CheckIn.At, &a.CheckIn.Location, &a.CheckIn.By,
		&a.Lunch.Set, &a.Lunch.At, &a.Lunch.Location, &a.Lunch.By,
		&a.Kit.Set, &a.Kit.At, &a.Kit.Location, &a.Kit.By,
		&a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Attendee{}, ErrAttendeeNotFound
		}
		return Attendee{}, err
	}
	a.UniqueID = uniqueID.String
	a.Email = email.String
	return a, nil
}

// Resolve implements Store.
func (r *Repository) Resolve(ctx context.Context, ref string) (Attendee, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+attendeeColumns+`
		FROM attendees
		WHERE id = $1 OR unique_id = $1 OR lower(email) = lower($1)
		ORDER BY CASE WHEN id = $1 THEN 0 WHEN unique_id = $1 THEN 1 ELSE 2 END
		LIMIT 1
	`, ref)
	return scanAttendee(row)
}

// Update implements Store. The attendee row is locked with SELECT ... FOR
// UPDATE so concurrent writers to the same attendee serialize.
func (r *Repository) Update(ctx context.Context, attendeeID string, fn func(current Attendee, tx Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	current, err := scanAttendee(tx.QueryRowContext(ctx, `
		SELECT `+attendeeColumns+` FROM attendees WHERE id = $1 FOR UPDATE
	`, attendeeID))
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := fn(current, sqlTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ChangedSince implements Store.
func (r *Repository) ChangedSince(ctx context.Context, cur Cursor, limit int) ([]Attendee, error) {
	if limit <= 0 {
		limit = maxChanges
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+attendeeColumns+`
		FROM attendees
		WHERE updated_at > $1 OR ($2 <> '' AND updated_at = $1 AND id > $2)
		ORDER BY updated_at, id
		LIMIT $3
	`, cur.Since, cur.AfterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Attendee
	for rows.Next() {
		a, err := scanAttendee(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// UpsertAttendee implements Registrar.
func (r *Repository) UpsertAttendee(ctx context.Context, a Attendee) (Attendee, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendees (id, unique_id, email, name)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4)
		ON CONFLICT (id) DO UPDATE SET
			unique_id = COALESCE(EXCLUDED.unique_id, attendees.unique_id),
			email = COALESCE(EXCLUDED.email, attendees.email),
			name = EXCLUDED.name,
			updated_at = clock_timestamp()
	`, a.ID, a.UniqueID, a.Email, a.Name)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return Attendee{}, fmt.Errorf("%w: %s", ErrDuplicateAttendee, pgErr.ConstraintName)
		}
		return Attendee{}, err
	}
	return scanAttendee(r.db.QueryRowContext(ctx, `SELECT `+attendeeColumns+` FROM attendees WHERE id = $1`, a.ID))
}

// GetDay returns the ledger entry for an attendee and day.
func (r *Repository) GetDay(ctx context.Context, attendeeID, day string) (*DailyAttendance, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, attendee_id, to_char(day, 'YYYY-MM-DD'), checked_in, checked_in_at, lunch_claimed, kit_claimed
		FROM daily_attendance WHERE attendee_id = $1 AND day = $2::date
	`, attendeeID, day)
	var d DailyAttendance
	if err := row.Scan(&d.ID, &d.AttendeeID, &d.Day, &d.CheckedIn, &d.CheckedInAt, &d.LunchClaimed, &d.KitClaimed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &d, nil
}

// markColumns maps a fact to its flag, instant, location and actor columns.
var markColumns = map[Fact][4]string{
	FactCheckIn: {"checked_in", "checked_in_at", "check_in_location", "checked_in_by"},
	FactLunch:   {"lunch_claimed", "lunch_claimed_at", "lunch_claimed_location", "lunch_claimed_by"},
	FactKit:     {"kit_claimed", "kit_claimed_at", "kit_claimed_location", "kit_claimed_by"},
}

var dayColumns = map[Fact]string{
	FactCheckIn: "checked_in",
	FactLunch:   "lunch_claimed",
	FactKit:     "kit_claimed",
}

type sqlTx struct {
	tx *sql.Tx
}

func (t sqlTx) SetMark(ctx context.Context, attendeeID string, f Fact, m Mark) error {
	cols, ok := markColumns[f]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRecordType, f)
	}
	_, err := t.tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE attendees
		SET %s = $2, %s = $3, %s = $4, %s = $5, updated_at = clock_timestamp()
		WHERE id = $1
	`, cols[0], cols[1], cols[2], cols[3]), attendeeID, m.Set, m.At, m.Location, m.By)
	return err
}

func (t sqlTx) UpsertDay(ctx context.Context, attendeeID, day string, f Fact, at time.Time) error {
	col, ok := dayColumns[f]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRecordType, f)
	}
	if f == FactCheckIn {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO daily_attendance (id, attendee_id, day, checked_in, checked_in_at)
			VALUES ($1, $2, $3::date, TRUE, $4)
			ON CONFLICT (attendee_id, day) DO UPDATE SET
				checked_in = TRUE,
				checked_in_at = GREATEST(daily_attendance.checked_in_at, EXCLUDED.checked_in_at),
				updated_at = clock_timestamp()
		`, uuid.NewString(), attendeeID, day, at)
		return err
	}
	_, err := t.tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO daily_attendance (id, attendee_id, day, %[1]s)
		VALUES ($1, $2, $3::date, TRUE)
		ON CONFLICT (attendee_id, day) DO UPDATE SET %[1]s = TRUE, updated_at = clock_timestamp()
	`, col), uuid.NewString(), attendeeID, day)
	return err
}
