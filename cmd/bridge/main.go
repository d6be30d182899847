// Package main runs the broadcast bridge: it drains the durable room
// queues and republishes toward subscribed fronts, advertising itself in
// the discovery registry.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"

	"github.com/chatpipe/chatpipe/internal/bridge"
	"github.com/chatpipe/chatpipe/internal/config"
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

	cfg := config.LoadBridge()
	if cfg.NATSURL == "" {
		log.Fatal("NATS_URL environment variable is not set")
	}

	log.Println("Starting bridge...")
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
	source := queue.NewJetStreamSource(lifecycle, cfg.ConsumerName)

	broadcaster := bridge.NewBroadcaster(cfg.TopicPrefix)

	poller := queue.NewPoller(queue.PollerConfig{
		Rooms:      cfg.Rooms,
		Batch:      cfg.PollBatch,
		Wait:       cfg.PollWait,
		MaxRetries: cfg.MaxRetries,
		Backoff:    cfg.RetryBackoff,
	}, source, publisher, mx)

	if err := poller.RegisterHandler(bridge.NewQueueHandler(broadcaster)); err != nil {
		log.Fatalf("failed to register poll handler: %v", err)
	}
	if err := poller.Start(ctx); err != nil {
		log.Fatalf("failed to start poller: %v", err)
	}

	reg := registry.New(rdb, "")
	heartbeat := registry.NewHeartbeat(reg, cfg.OwnerID, cfg.Endpoint,
		cfg.Rooms, cfg.HeartbeatInterval, cfg.HeartbeatTTL, mx)
	go heartbeat.Run(ctx)

	router := chi.NewRouter()
	router.Get("/broadcast", broadcaster.HandleRequest)
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Handle("/metrics", mx.Handler())

	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		log.Printf("Bridge listening at 0.0.0.0:%s, advertising %s", cfg.Port, cfg.Endpoint)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutdown signal received; shutting down...")

	poller.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Println(err)
	}
	if err := broadcaster.Close(); err != nil {
		log.Printf("couldn't close broadcaster: %v", err)
	}
	if err := conn.Drain(); err != nil {
		log.Printf("couldn't drain NATS conn: %+v", err)
	}
	if err := rdb.Close(); err != nil {
		log.Printf("couldn't close redis client: %v", err)
	}
	log.Println("Bridge stopped")
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
