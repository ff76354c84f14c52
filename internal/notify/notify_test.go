package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"checkin/internal/attendance"
	"checkin/internal/auth"
	"checkin/internal/metrics"
	"checkin/internal/queue"
)

type recorder struct {
	mu   sync.Mutex
	envs []Envelope
}

func (r *recorder) Broadcast(_ context.Context, aud Audience, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, Envelope{Audience: aud, Event: evt})
	return nil
}

func (r *recorder) snapshot() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Envelope(nil), r.envs...)
}

func TestAudienceMatch(t *testing.T) {
	aud := AudienceFor(Event{AttendeeID: "a-1"})
	cases := []struct {
		sub  Subscriber
		want bool
	}{
		{Subscriber{Role: auth.RoleStaff}, true},
		{Subscriber{Role: auth.RoleVolunteer}, true},
		{Subscriber{Role: auth.RoleAdmin}, true},
		{Subscriber{Role: auth.RoleAttendee, AttendeeID: "a-1"}, true},
		{Subscriber{Role: auth.RoleAttendee, AttendeeID: "a-2"}, false},
		{Subscriber{Role: auth.RoleAttendee}, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, aud.Match(tc.sub), "%+v", tc.sub)
	}
	require.False(t, Audience{}.Match(Subscriber{}))
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var h map[string]any
	require.NoError(t, conn.ReadJSON(&h))
	require.Equal(t, "connected", h["type"])
	return conn
}

func TestHubDeliversToMatchingSubscribers(t *testing.T) {
	hub := NewHub(metrics.New(prometheus.NewRegistry()), nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		_ = hub.Serve(w, r, Subscriber{ID: q.Get("id"), Role: q.Get("role"), AttendeeID: q.Get("attendee")})
	}))
	defer srv.Close()

	staff := dial(t, srv, "id=s1&role=staff")
	mine := dial(t, srv, "id=u1&role=attendee&attendee=a-1")
	other := dial(t, srv, "id=u2&role=attendee&attendee=a-2")
	require.Eventually(t, func() bool { return hub.Len() == 3 }, 2*time.Second, 10*time.Millisecond)

	evt := FromApplied(attendance.Applied{AttendeeID: "a-1", Fact: attendance.FactLunch, At: time.Now(), Location: "Desk 2"})
	require.NoError(t, hub.Broadcast(context.Background(), AudienceFor(evt), evt))

	for _, conn := range []*websocket.Conn{staff, mine} {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var got Event
		require.NoError(t, conn.ReadJSON(&got))
		require.Equal(t, EventAttendance, got.Type)
		require.Equal(t, "a-1", got.AttendeeID)
		require.Equal(t, "lunch", got.Fact)
	}

	_ = other.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, _, err := other.ReadMessage()
	require.Error(t, err)

	staff.Close()
	require.Eventually(t, func() bool { return hub.Len() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubRejectsForeignOrigin(t *testing.T) {
	hub := NewHub(nil, []string{"https://desk.example.com"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.Serve(w, r, Subscriber{ID: "x", Role: auth.RoleStaff})
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://desk.example.com")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	conn.Close()
}

func TestRelayForwardsPublishedEnvelopes(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	local := &recorder{}
	require.NoError(t, NewRelay(client, "", local).Start(ctx))

	evt := Event{Type: EventAttendance, AttendeeID: "a-9", Fact: "kit"}
	require.NoError(t, NewRedisBroadcaster(client, "").Broadcast(ctx, AudienceFor(evt), evt))
	require.NoError(t, client.Publish(ctx, DefaultChannel, "{broken").Err())

	require.Eventually(t, func() bool { return len(local.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := local.snapshot()[0]
	require.Equal(t, "a-9", got.Event.AttendeeID)
	require.Equal(t, "a-9", got.Audience.AttendeeID)
	require.ElementsMatch(t, auth.StaffRoles, got.Audience.Roles)
}

func TestOutboxToDispatcher(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := queue.NewInMemory(8)
	out := &recorder{}
	done := make(chan error, 1)
	go func() { done <- NewDispatcher(q, out).Run(ctx) }()

	unrelated, err := queue.NewMessage("something.else", map[string]string{})
	require.NoError(t, err)
	require.NoError(t, q.Publish(ctx, unrelated))

	at := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	require.NoError(t, NewOutbox(q).Publish(ctx, attendance.Applied{
		AttendeeID: "a-1", Fact: attendance.FactCheckIn, At: at, StationID: "north", Offline: true,
	}))

	require.Eventually(t, func() bool { return len(out.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := out.snapshot()[0]
	require.True(t, got.Event.At.Equal(at))
	require.True(t, got.Event.Offline)
	require.Equal(t, "check-in", got.Event.Fact)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestEnvelopeWireShape(t *testing.T) {
	raw, err := json.Marshal(Envelope{Audience: Audience{AttendeeID: "a-1"}, Event: Event{Type: EventAttendance, AttendeeID: "a-1"}})
	require.NoError(t, err)
	require.Contains(t, string(raw), `"audience":{"attendee_id":"a-1"}`)
}
