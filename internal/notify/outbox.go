package notify

import (
	"context"
	"encoding/json"
	"log"

	"checkin/internal/attendance"
	"checkin/internal/queue"
)

// MessageType tags outbox messages on the queue.
const MessageType = "attendance.applied"

// Outbox implements attendance.Notifier by enqueueing committed writes.
type Outbox struct {
	q queue.Queue
}

// NewOutbox creates an outbox on q.
func NewOutbox(q queue.Queue) *Outbox {
	return &Outbox{q: q}
}

// Publish implements attendance.Notifier.
func (o *Outbox) Publish(ctx context.Context, a attendance.Applied) error {
	evt := FromApplied(a)
	msg, err := queue.NewMessage(MessageType, Envelope{Audience: AudienceFor(evt), Event: evt})
	if err != nil {
		return err
	}
	return o.q.Publish(ctx, msg)
}

// Dispatcher drains the outbox into a Broadcaster.
type Dispatcher struct {
	q queue.Queue
	b Broadcaster
}

// NewDispatcher creates a dispatcher from q to b.
func NewDispatcher(q queue.Queue, b Broadcaster) *Dispatcher {
	return &Dispatcher{q: q, b: b}
}

// Run blocks until ctx is done or the queue closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	messages, err := d.q.Consume(ctx)
	if err != nil {
		return err
	}
	for msg := range messages {
		if msg.Type != MessageType {
			log.Printf("dispatch: skipping message %s of type %q", msg.ID, msg.Type)
			continue
		}
		var env Envelope
		if err := json.Unmarshal(msg.Body, &env); err != nil {
			log.Printf("dispatch: message %s undecodable: %v", msg.ID, err)
			continue
		}
		if err := d.b.Broadcast(ctx, env.Audience, env.Event); err != nil {
			log.Printf("dispatch: broadcast %s failed: %v", msg.ID, err)
		}
	}
	return ctx.Err()
}
