// Package config loads each binary's settings from the environment,
// with an optional .env file for local runs.
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// LoadEnv pulls in a .env file when present. Missing files are fine;
// deployments set real environment variables.
func LoadEnv() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}
}

// Client configures the load-generating client.
type Client struct {
	FrontURL          string
	Users             int
	Rooms             int
	Messages          int64
	ProducerWorkers   int
	DispatcherWorkers int
	QueueCapacity     int
	SenderWorkers     int
	SenderCapacity    int
	ConnectTimeout    time.Duration
	AckTimeout        time.Duration

	// RateLimit caps produced messages per second; zero disables.
	RateLimit int
}

// LoadClient reads the client's settings.
func LoadClient() Client {
	return Client{
		FrontURL:          getString("FRONT_URL", "ws://localhost:8080"),
		Users:             getInt("LOAD_USERS", 100),
		Rooms:             getInt("LOAD_ROOMS", 10),
		Messages:          getInt64("LOAD_MESSAGES", 10000),
		ProducerWorkers:   getInt("PRODUCER_WORKERS", 4),
		DispatcherWorkers: getInt("DISPATCHER_WORKERS", 8),
		QueueCapacity:     getInt("QUEUE_CAPACITY", 1024),
		SenderWorkers:     getInt("SENDER_WORKERS", 8),
		SenderCapacity:    getInt("SENDER_CAPACITY", 1024),
		ConnectTimeout:    getDuration("CONNECT_TIMEOUT", 10*time.Second),
		AckTimeout:        getDuration("ACK_TIMEOUT", 5*time.Minute),
		RateLimit:         getInt("RATE_LIMIT", 0),
	}
}

// Front configures the client-facing websocket front.
type Front struct {
	Port              string
	NATSURL           string
	NATSCred          string
	NATSUser          string
	NATSPassword      string
	RedisAddr         string
	MaxRooms          int
	QueuePattern      string
	DLQName           string
	TopicPrefix       string
	ReconcileInterval time.Duration
	MetricsNamespace  string

	// ConnRateLimit caps connection attempts per client per window;
	// zero disables throttling.
	ConnRateLimit  int
	ConnRateWindow time.Duration
}

// LoadFront reads the front's settings. NATS_URL has no default on
// purpose; the caller fails fast when it is empty.
func LoadFront() Front {
	return Front{
		Port:              getString("PORT", "8080"),
		NATSURL:           os.Getenv("NATS_URL"),
		NATSCred:          os.Getenv("NATS_CRED"),
		NATSUser:          os.Getenv("NATS_USER"),
		NATSPassword:      os.Getenv("NATS_PASSWORD"),
		RedisAddr:         getString("REDIS_ADDR", "localhost:6379"),
		MaxRooms:          getInt("MAX_ROOMS", 10),
		QueuePattern:      getString("QUEUE_NAME_PATTERN", "room-queue-{roomId}"),
		DLQName:           getString("DLQ_NAME", "chat-dlq"),
		TopicPrefix:       getString("TOPIC_PREFIX", "/topic/chat"),
		ReconcileInterval: getDuration("RECONCILE_INTERVAL", 5*time.Second),
		MetricsNamespace:  getString("METRICS_NAMESPACE", "chatpipe_front"),
		ConnRateLimit:     getInt("CONN_RATE_LIMIT", 0),
		ConnRateWindow:    getDuration("CONN_RATE_WINDOW", time.Minute),
	}
}

// Bridge configures the queue-draining broadcast bridge.
type Bridge struct {
	Port              string
	NATSURL           string
	NATSCred          string
	NATSUser          string
	NATSPassword      string
	RedisAddr         string
	Rooms             int
	OwnerID           string
	Endpoint          string
	QueuePattern      string
	DLQName           string
	TopicPrefix       string
	ConsumerName      string
	PollBatch         int
	PollWait          time.Duration
	MaxRetries        int
	RetryBackoff      time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration
	MetricsNamespace  string
}

// LoadBridge reads the bridge's settings. Endpoint is the externally
// reachable broadcast URL advertised in the registry.
func LoadBridge() Bridge {
	return Bridge{
		Port:              getString("PORT", "8090"),
		NATSURL:           os.Getenv("NATS_URL"),
		NATSCred:          os.Getenv("NATS_CRED"),
		NATSUser:          os.Getenv("NATS_USER"),
		NATSPassword:      os.Getenv("NATS_PASSWORD"),
		RedisAddr:         getString("REDIS_ADDR", "localhost:6379"),
		Rooms:             getInt("MAX_ROOMS", 10),
		OwnerID:           getString("OWNER_ID", hostnameOwner()),
		Endpoint:          getString("BROADCAST_ENDPOINT", "ws://localhost:8090/broadcast"),
		QueuePattern:      getString("QUEUE_NAME_PATTERN", "room-queue-{roomId}"),
		DLQName:           getString("DLQ_NAME", "chat-dlq"),
		TopicPrefix:       getString("TOPIC_PREFIX", "/topic/chat"),
		ConsumerName:      getString("CONSUMER_NAME", "bridge"),
		PollBatch:         getInt("POLL_BATCH", 10),
		PollWait:          getDuration("POLL_WAIT", 3*time.Second),
		MaxRetries:        getInt("POLL_MAX_RETRIES", 3),
		RetryBackoff:      getDuration("POLL_RETRY_BACKOFF", time.Second),
		HeartbeatInterval: getDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		HeartbeatTTL:      getDuration("HEARTBEAT_TTL", 90*time.Second),
		MetricsNamespace:  getString("METRICS_NAMESPACE", "chatpipe_bridge"),
	}
}

func hostnameOwner() string {
	host, err := os.Hostname()
	if err != nil {
		return "bridge-unknown"
	}
	return "bridge-" + host
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("invalid %s=%q, using %d: %v", key, v, def, err)
		return def
	}
	return n
}

func getInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using %d: %v", key, v, def, err)
		return def
	}
	return n
}

func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("invalid %s=%q, using %s: %v", key, v, def, err)
		return def
	}
	return d
}
