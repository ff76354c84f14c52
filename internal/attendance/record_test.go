package attendance

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInstantUnmarshal(t *testing.T) {
	want := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	cases := map[string]string{
		"rfc3339":       `"2026-03-14T09:30:00Z"`,
		"rfc3339 zone":  `"2026-03-14T15:00:00+05:30"`,
		"epoch ms":      `1773480600000`,
		"epoch ms text": `"1773480600000"`,
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			var i Instant
			require.NoError(t, json.Unmarshal([]byte(in), &i))
			require.True(t, i.Equal(want), "got %s", i.Time)
		})
	}

	var empty Instant
	require.NoError(t, json.Unmarshal([]byte(`null`), &empty))
	require.True(t, empty.IsZero())

	var bad Instant
	require.Error(t, json.Unmarshal([]byte(`"yesterday"`), &bad))
}

func TestInstantEpochBounds(t *testing.T) {
	var i Instant
	require.NoError(t, json.Unmarshal([]byte(`1.7734806e12`), &i))
	require.Equal(t, int64(1773480600000), i.UnixMilli())

	for _, in := range []string{`1e300`, `-1e300`, `1.5`, `"1e300"`, `"1.5"`, `9007199254740993`, `"NaN"`, `"Inf"`} {
		t.Run(in, func(t *testing.T) {
			var i Instant
			require.Error(t, json.Unmarshal([]byte(in), &i))
		})
	}
}

func TestParseRecordKeepsUndecodableElements(t *testing.T) {
	recs := ParseRecords([]json.RawMessage{
		json.RawMessage(`{"type":"check-in","attendeeId":"a-1","data":{},"timestamp":"yesterday"}`),
		json.RawMessage(`{"type":"check-in","attendeeId":42,"data":{},"timestamp":1773480600000}`),
		json.RawMessage(`"not an object"`),
		json.RawMessage(`{"type":"check-in","attendeeId":"a-2","data":{"location":"Hall A"},"timestamp":1773480600000}`),
	})
	require.Len(t, recs, 4)

	require.Equal(t, TypeCheckIn, recs[0].Type)
	require.Equal(t, "a-1", recs[0].AttendeeID)
	require.ErrorIs(t, recs[0].Validate(), ErrInvalidData)

	require.Equal(t, TypeCheckIn, recs[1].Type)
	require.Empty(t, recs[1].AttendeeID)
	require.ErrorIs(t, recs[1].Validate(), ErrInvalidData)

	require.ErrorIs(t, recs[2].Validate(), ErrInvalidData)
	require.NoError(t, recs[3].Validate())
}

func TestRawRecordFromJSON(t *testing.T) {
	payload := `[
		{"type":"check-in","attendeeId":"EVT-0001","data":{"location":"Hall A"},"timestamp":"2026-03-14T09:30:00Z"},
		{"type":"resource","attendeeId":"a-2","data":{"resourceType":"Lunch"},"timestamp":1773480600000}
	]`
	var recs []RawRecord
	require.NoError(t, json.Unmarshal([]byte(payload), &recs))
	require.Len(t, recs, 2)

	for _, r := range recs {
		require.NoError(t, r.Validate())
	}

	evt, err := recs[0].Decode()
	require.NoError(t, err)
	require.Equal(t, CheckInEvent{At: recs[0].Timestamp.Time, Location: "Hall A"}, evt)

	evt, err = recs[1].Decode()
	require.NoError(t, err)
	require.Equal(t, FactLunch, evt.Fact())
	require.Empty(t, evt.Where())
}

func TestValidateNamesMissingFields(t *testing.T) {
	err := RawRecord{Data: json.RawMessage(`null`)}.Validate()
	require.ErrorIs(t, err, ErrMissingFields)
	require.EqualError(t, err, "missing required fields: type, attendeeId, data, timestamp")

	err = RawRecord{Type: TypeCheckIn, AttendeeID: "a-1", Data: json.RawMessage(`{}`), Timestamp: &Instant{}}.Validate()
	require.EqualError(t, err, "missing required fields: timestamp")
}

func TestDayBucket(t *testing.T) {
	at := time.Date(2026, 3, 14, 23, 30, 0, 0, time.UTC)
	require.Equal(t, "2026-03-14", dayBucket(at, time.UTC))
	require.Equal(t, "2026-03-15", dayBucket(at, time.FixedZone("CET", 3600)))
	require.Equal(t, "2026-03-14", dayBucket(at, nil))
}

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	m := newKeyedMutex()
	var wg sync.WaitGroup
	var inside, maxInside int
	var mu sync.Mutex

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("a-1")
			defer unlock()
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, 1, maxInside)

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Empty(t, m.locks)
}
