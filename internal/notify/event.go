// Package notify fans applied attendance writes out to live subscribers.
//
// Writes flow Engine -> Outbox (queue) -> Dispatcher -> Broadcaster. The
// Broadcaster is either a local Hub or, with several API instances, a
// RedisBroadcaster whose Relay feeds each instance's Hub.
package notify

import (
	"context"
	"time"

	"checkin/internal/attendance"
	"checkin/internal/auth"
)

// EventAttendance is the type of every attendance update pushed to clients.
const EventAttendance = "attendance.updated"

// Event is the payload delivered to subscribers.
type Event struct {
	Type       string    `json:"type"`
	AttendeeID string    `json:"attendee_id"`
	Fact       string    `json:"fact"`
	At         time.Time `json:"at"`
	Location   string    `json:"location,omitempty"`
	StaffID    string    `json:"staff_id,omitempty"`
	StationID  string    `json:"station_id,omitempty"`
	Offline    bool      `json:"offline"`
}

// FromApplied converts a committed write into an Event.
func FromApplied(a attendance.Applied) Event {
	return Event{
		Type:       EventAttendance,
		AttendeeID: a.AttendeeID,
		Fact:       string(a.Fact),
		At:         a.At.UTC(),
		Location:   a.Location,
		StaffID:    a.StaffID,
		StationID:  a.StationID,
		Offline:    a.Offline,
	}
}

// Subscriber identifies a connected client.
type Subscriber struct {
	ID         string
	Role       string
	AttendeeID string
}

// Audience selects subscribers. It is plain data so it can cross process
// boundaries with the event.
type Audience struct {
	Roles      []string `json:"roles,omitempty"`
	AttendeeID string   `json:"attendee_id,omitempty"`
}

// Match reports whether s belongs to the audience: any listed role, or the
// named attendee.
func (a Audience) Match(s Subscriber) bool {
	for _, r := range a.Roles {
		if s.Role == r {
			return true
		}
	}
	return a.AttendeeID != "" && s.AttendeeID == a.AttendeeID
}

// AudienceFor returns who should see e: all station staff and the attendee
// it concerns.
func AudienceFor(e Event) Audience {
	return Audience{Roles: auth.StaffRoles, AttendeeID: e.AttendeeID}
}

// Envelope carries an event and its audience over a queue or pub/sub channel.
type Envelope struct {
	Audience Audience `json:"audience"`
	Event    Event    `json:"event"`
}

// Broadcaster delivers an event to every matching subscriber.
type Broadcaster interface {
	Broadcast(ctx context.Context, aud Audience, evt Event) error
}

// Registry tracks live connections and broadcasts to them.
type Registry interface {
	Broadcaster
	Register(c *Client)
	Unregister(c *Client)
}
