package attendance

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Per-record failure kinds. None of them aborts a batch.
var (
	ErrMissingFields     = errors.New("missing required fields")
	ErrInvalidData       = errors.New("invalid data payload")
	ErrAttendeeNotFound  = errors.New("attendee not found")
	ErrStaleWrite        = errors.New("newer value already recorded")
	ErrUnknownRecordType = errors.New("unknown record type")
	ErrPersistence       = errors.New("persistence failure")
	ErrDuplicateAttendee = errors.New("attendee already registered")
)

// Offline record types.
const (
	TypeCheckIn  = "check-in"
	TypeResource = "resource"
)

// Instant accepts RFC 3339 strings or epoch milliseconds.
type Instant struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (i *Instant) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		i.Time = time.Time{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			i.Time = time.Time{}
			return nil
		}
		if ms, err := parseEpochMillis(s); err == nil {
			i.Time = time.UnixMilli(ms).UTC()
			return nil
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q", s)
		}
		i.Time = t
		return nil
	}
	ms, err := parseEpochMillis(string(b))
	if err != nil {
		return err
	}
	i.Time = time.UnixMilli(ms).UTC()
	return nil
}

// maxEpochMillis bounds numeric timestamps to the range float64 holds exactly.
const maxEpochMillis = 1 << 53

// parseEpochMillis accepts whole numbers, including exponent forms such as
// 1.7e12, and rejects fractions, non-finite values and out-of-range values.
func parseEpochMillis(s string) (int64, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		if ms > maxEpochMillis || ms < -maxEpochMillis {
			return 0, fmt.Errorf("timestamp %s out of range", s)
		}
		return ms, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, fmt.Errorf("invalid timestamp %s", s)
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("timestamp %s is not whole milliseconds", s)
	}
	if f > maxEpochMillis || f < -maxEpochMillis {
		return 0, fmt.Errorf("timestamp %s out of range", s)
	}
	return int64(f), nil
}

// MarshalJSON implements json.Marshaler.
func (i Instant) MarshalJSON() ([]byte, error) {
	if i.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(i.UTC().Format(time.RFC3339Nano))
}

// RawRecord is one offline action as submitted by a disconnected station.
type RawRecord struct {
	Type       string          `json:"type"`
	AttendeeID string          `json:"attendeeId"`
	Data       json.RawMessage `json:"data"`
	Timestamp  *Instant        `json:"timestamp"`

	// decodeErr is set by ParseRecord when the element was not a valid record.
	decodeErr error
}

// ParseRecord decodes one batch element. A malformed element still yields a
// record, carrying whatever type and attendee reference could be read, so it
// is reported as skipped instead of failing the whole batch.
func ParseRecord(raw json.RawMessage) RawRecord {
	var rec RawRecord
	err := json.Unmarshal(raw, &rec)
	if err == nil {
		return rec
	}
	rec = RawRecord{decodeErr: fmt.Errorf("%w: %v", ErrInvalidData, err)}
	var loose map[string]json.RawMessage
	if json.Unmarshal(raw, &loose) == nil {
		_ = json.Unmarshal(loose["type"], &rec.Type)
		_ = json.Unmarshal(loose["attendeeId"], &rec.AttendeeID)
	}
	return rec
}

// ParseRecords applies ParseRecord to every element.
func ParseRecords(raws []json.RawMessage) []RawRecord {
	recs := make([]RawRecord, len(raws))
	for i, raw := range raws {
		recs[i] = ParseRecord(raw)
	}
	return recs
}

// Validate reports ErrMissingFields naming every absent field.
func (r RawRecord) Validate() error {
	if r.decodeErr != nil {
		return r.decodeErr
	}
	var missing []string
	if strings.TrimSpace(r.Type) == "" {
		missing = append(missing, "type")
	}
	if strings.TrimSpace(r.AttendeeID) == "" {
		missing = append(missing, "attendeeId")
	}
	if d := bytes.TrimSpace(r.Data); len(d) == 0 || bytes.Equal(d, []byte("null")) {
		missing = append(missing, "data")
	}
	if r.Timestamp == nil || r.Timestamp.IsZero() {
		missing = append(missing, "timestamp")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingFields, strings.Join(missing, ", "))
	}
	return nil
}

// Event is the validated, type-specific form of a record.
type Event interface {
	Fact() Fact
	When() time.Time
	Where() string
}

// CheckInEvent marks an attendee as arrived.
type CheckInEvent struct {
	At       time.Time
	Location string
}

func (e CheckInEvent) Fact() Fact      { return FactCheckIn }
func (e CheckInEvent) When() time.Time { return e.At }
func (e CheckInEvent) Where() string   { return e.Location }

// ResourceEvent records a lunch or kit hand-out.
type ResourceEvent struct {
	At       time.Time
	Resource Fact
	Location string
}

func (e ResourceEvent) Fact() Fact      { return e.Resource }
func (e ResourceEvent) When() time.Time { return e.At }
func (e ResourceEvent) Where() string   { return e.Location }

type checkInData struct {
	Location string `json:"location"`
}

type resourceData struct {
	ResourceType string `json:"resourceType"`
	Location     string `json:"location"`
}

// Decode turns a validated record into its Event.
func (r RawRecord) Decode() (Event, error) {
	if r.Timestamp == nil {
		return nil, fmt.Errorf("%w: timestamp", ErrMissingFields)
	}
	at := r.Timestamp.Time
	switch r.Type {
	case TypeCheckIn:
		var d checkInData
		if err := json.Unmarshal(r.Data, &d); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
		}
		return CheckInEvent{At: at, Location: d.Location}, nil
	case TypeResource:
		var d resourceData
		if err := json.Unmarshal(r.Data, &d); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
		}
		switch Fact(strings.ToLower(d.ResourceType)) {
		case FactLunch:
			return ResourceEvent{At: at, Resource: FactLunch, Location: d.Location}, nil
		case FactKit:
			return ResourceEvent{At: at, Resource: FactKit, Location: d.Location}, nil
		}
		return nil, fmt.Errorf("%w: resource %q", ErrUnknownRecordType, d.ResourceType)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownRecordType, r.Type)
}
