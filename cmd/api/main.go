package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"checkin/internal/attendance"
	"checkin/internal/config"
	"checkin/internal/httpapi"
	"checkin/internal/metrics"
	"checkin/internal/notify"
	"checkin/internal/queue"
	"checkin/internal/store"
	"checkin/internal/token"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if gin.Mode() == gin.ReleaseMode && (cfg.EventSecret == "dev-event-secret-change" || cfg.JWTSigningKey == "dev-signing-secret-change") {
		return errors.New("EVENT_SECRET and JWT_SIGNING_KEY must be set in production")
	}

	health := map[string]httpapi.HealthCheck{}

	var (
		st        attendance.Store
		registrar attendance.Registrar
	)
	switch cfg.StoreBackend {
	case "memory":
		mem := attendance.NewMemoryStore()
		st, registrar = mem, mem
		log.Println("store: in-memory (data is lost on restart)")
	default:
		db, err := store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("db connect: %w", err)
		}
		defer db.Close()
		if err := store.Migrate(ctx, db.Client); err != nil {
			return err
		}
		repo := attendance.NewRepository(db.Client)
		st, registrar = repo, repo
		health["db"] = db.Healthy
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()
	usesRedis := cfg.QueueBackend != "memory" || cfg.BroadcastBackend != "local" ||
		(cfg.TokenSingleUse && cfg.StoreBackend != "memory")
	if usesRedis {
		health["redis"] = redisClient.Healthy
		if !redisClient.Healthy(ctx) {
			log.Printf("warning: redis not reachable at %s", cfg.RedisAddr)
		}
	}

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(256)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "")
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	hub := notify.NewHub(m, cfg.CORSOrigins)

	var fanout notify.Broadcaster = hub
	if cfg.BroadcastBackend != "local" {
		fanout = notify.NewRedisBroadcaster(redisClient.Client, "")
		if err := notify.NewRelay(redisClient.Client, "", hub).Start(ctx); err != nil {
			return fmt.Errorf("relay subscribe: %w", err)
		}
	}
	go func() {
		if err := notify.NewDispatcher(q, fanout).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("dispatcher stopped: %v", err)
		}
	}()

	var nonces token.NonceStore
	if cfg.TokenSingleUse {
		if cfg.StoreBackend == "memory" {
			nonces = token.NewMemoryNonceStore()
		} else {
			nonces = token.NewRedisNonceStore(redisClient.Client, "")
		}
	}

	engine := attendance.NewEngine(st,
		attendance.WithLocation(cfg.Location()),
		attendance.WithWorkers(cfg.SyncWorkers),
		attendance.WithNotifier(notify.NewOutbox(q)),
	)

	api := httpapi.New(httpapi.Deps{
		Config:    cfg,
		Engine:    engine,
		Attendees: registrar,
		Codec:     token.Codec{TTL: cfg.TokenTTL},
		Nonces:    nonces,
		Hub:       hub,
		Metrics:   m,
		Health:    health,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      api.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s (store=%s queue=%s broadcast=%s)", cfg.HTTPPort, cfg.StoreBackend, cfg.QueueBackend, cfg.BroadcastBackend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}
	cancel()

	log.Println("Server exited")
	return nil
}
