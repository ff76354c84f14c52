package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"checkin/internal/config"
	"checkin/internal/notify"
	"checkin/internal/queue"
	"checkin/internal/store"
)

// Worker drains the notification outbox from Redis and republishes each
// event on the shared pub/sub channel, where every API instance's relay picks
// it up. It runs alongside the dispatcher embedded in the API to add drain
// capacity; BRPOP hands each message to exactly one consumer.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	if cfg.QueueBackend == "memory" || cfg.BroadcastBackend == "local" {
		log.Fatalf("worker needs QUEUE_BACKEND=redis and BROADCAST_BACKEND=redis (got %s/%s)", cfg.QueueBackend, cfg.BroadcastBackend)
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()
	if !redisClient.Healthy(ctx) {
		log.Printf("WARNING: redis not reachable at %s, will keep retrying", cfg.RedisAddr)
	}

	q := queue.NewRedisQueue(redisClient.Client, "")
	fanout := notify.NewRedisBroadcaster(redisClient.Client, "")

	log.Println("worker started, waiting for messages...")
	if err := notify.NewDispatcher(q, fanout).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("dispatcher stopped: %v", err)
	}
	log.Println("worker stopped")
}
