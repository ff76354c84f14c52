package attendance

import "time"

// Fact is a trackable, timestamped attendee state.
type Fact string

const (
	FactCheckIn Fact = "check-in"
	FactLunch   Fact = "lunch"
	FactKit     Fact = "kit"
)

// Mark is the stored state of one fact: whether it is set, the instant it was
// last set, where, and by which staff member.
type Mark struct {
	Set      bool       `json:"set"`
	At       *time.Time `json:"at,omitempty"`
	Location string     `json:"location,omitempty"`
	By       string     `json:"by,omitempty"`
}

// Attendee is the canonical attendee record.
type Attendee struct {
	ID        string    `json:"id"`
	UniqueID  string    `json:"unique_id,omitempty"`
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name,omitempty"`
	CheckIn   Mark      `json:"check_in"`
	Lunch     Mark      `json:"lunch"`
	Kit       Mark      `json:"kit"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Mark returns the stored state of f.
func (a Attendee) Mark(f Fact) Mark {
	switch f {
	case FactCheckIn:
		return a.CheckIn
	case FactLunch:
		return a.Lunch
	case FactKit:
		return a.Kit
	}
	return Mark{}
}

func (a *Attendee) setMark(f Fact, m Mark) {
	switch f {
	case FactCheckIn:
		a.CheckIn = m
	case FactLunch:
		a.Lunch = m
	case FactKit:
		a.Kit = m
	}
}

// DailyAttendance is the per-day ledger entry for an attendee.
type DailyAttendance struct {
	ID           string     `json:"id"`
	AttendeeID   string     `json:"attendee_id"`
	Day          string     `json:"day"`
	CheckedIn    bool       `json:"checked_in"`
	CheckedInAt  *time.Time `json:"checked_in_at,omitempty"`
	LunchClaimed bool       `json:"lunch_claimed"`
	KitClaimed   bool       `json:"kit_claimed"`
}

// DayLayout formats day buckets.
const DayLayout = "2006-01-02"

// dayBucket truncates t to its calendar day in loc.
func dayBucket(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DayLayout)
}
