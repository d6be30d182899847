// Package main runs the client-facing websocket front.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"

	"github.com/chatpipe/chatpipe/internal/config"
	"github.com/chatpipe/chatpipe/internal/front"
	"github.com/chatpipe/chatpipe/internal/metrics"
	"github.com/chatpipe/chatpipe/internal/queue"
	"github.com/chatpipe/chatpipe/internal/registry"
)

func main() {
	config.LoadEnv()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.SetOutput(os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.LoadFront()
	if cfg.NATSURL == "" {
		log.Fatal("NATS_URL environment variable is not set")
	}

	log.Println("Starting front...")
	log.Println("Initializing NATS connection...")

	conn, err := nats.Connect(cfg.NATSURL, natsOptions(cfg.NATSCred, cfg.NATSUser, cfg.NATSPassword)...)
	if err != nil {
		log.Fatalf("failed to connect to nats: %v", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		log.Fatalf("failed to create jetstream instance: %v", err)
	}

	log.Println("Initializing Redis connection...")
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}

	mx := metrics.New(cfg.MetricsNamespace)
	lifecycle := queue.NewLifecycle(js, cfg.QueuePattern, cfg.DLQName)
	publisher := queue.NewPublisher(js, lifecycle)
	reg := registry.New(rdb, "")

	srv := front.NewServer(publisher, nil, cfg.MaxRooms, mx)
	manager := front.NewSubscriptionManager(reg, nil, srv.HandleBroadcast,
		cfg.TopicPrefix, cfg.ReconcileInterval)
	srv.SetSubscriptions(manager)
	go manager.Run(ctx)

	if cfg.ConnRateLimit > 0 {
		limiter := front.NewConnLimiter(cfg.ConnRateLimit, cfg.ConnRateWindow,
			10*time.Minute, time.Minute)
		defer limiter.Cancel()
		srv.SetConnLimiter(limiter)
	}

	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		log.Printf("Front listening at 0.0.0.0:%s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutdown signal received; shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Println(err)
	}
	if err := conn.Drain(); err != nil {
		log.Printf("couldn't drain NATS conn: %+v", err)
	}
	if err := rdb.Close(); err != nil {
		log.Printf("couldn't close redis client: %v", err)
	}
	log.Println("Front stopped")
}

func natsOptions(cred, user, pass string) []nats.Option {
	opts := []nats.Option{nats.Timeout(5 * time.Second)}
	if cred != "" {
		opts = append(opts, nats.UserCredentials(cred))
	} else if user != "" && pass != "" {
		opts = append(opts, nats.UserInfo(user, pass))
	}
	return opts
}
