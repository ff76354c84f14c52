package notify

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel shared by all API instances.
const DefaultChannel = "checkin:events"

// RedisBroadcaster publishes envelopes to a Redis channel so every instance's
// Relay can deliver them to its own connections.
type RedisBroadcaster struct {
	client  *redis.Client
	channel string
}

// NewRedisBroadcaster creates a broadcaster on channel (DefaultChannel when empty).
func NewRedisBroadcaster(client *redis.Client, channel string) *RedisBroadcaster {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBroadcaster{client: client, channel: channel}
}

// Broadcast implements Broadcaster.
func (b *RedisBroadcaster) Broadcast(ctx context.Context, aud Audience, evt Event) error {
	raw, err := json.Marshal(Envelope{Audience: aud, Event: evt})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, raw).Err()
}

// Relay subscribes to the shared channel and hands each envelope to a local
// Broadcaster, normally the instance's Hub.
type Relay struct {
	client  *redis.Client
	channel string
	local   Broadcaster
}

// NewRelay creates a relay from channel (DefaultChannel when empty) to local.
func NewRelay(client *redis.Client, channel string, local Broadcaster) *Relay {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Relay{client: client, channel: channel, local: local}
}

// Start subscribes and returns once the subscription is confirmed. Delivery
// runs in the background until ctx is done.
func (r *Relay) Start(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return err
	}
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					log.Printf("relay: dropping malformed envelope: %v", err)
					continue
				}
				if err := r.local.Broadcast(ctx, env.Audience, env.Event); err != nil {
					log.Printf("relay: local broadcast failed: %v", err)
				}
			}
		}
	}()
	return nil
}
