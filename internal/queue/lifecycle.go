// Package queue manages the durable per-room queues and the bridge-side
// poller that drains them. Queues are JetStream streams, one per room,
// plus a single dead-letter stream.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// ErrQueueNotFound reports that a room's durable queue does not exist.
var ErrQueueNotFound = errors.New("queue not found")

const (
	// queueRetention is how long undelivered messages survive.
	queueRetention = 14 * 24 * time.Hour

	// ackWait is the redelivery window for an unacknowledged message.
	ackWait = 30 * time.Second
)

// Lifecycle resolves and creates the durable queues, caching stream
// handles by name. Entries are evicted when the backing stream is found
// missing so the next use re-resolves.
type Lifecycle struct {
	js jetstream.JetStream

	namePattern string
	dlqName     string

	mu    sync.Mutex
	cache map[string]jetstream.Stream
}

// NewLifecycle builds a lifecycle over a JetStream context. namePattern
// must contain the literal `{roomId}`, e.g. "room-queue-{roomId}".
func NewLifecycle(js jetstream.JetStream, namePattern, dlqName string) *Lifecycle {
	return &Lifecycle{
		js:          js,
		namePattern: namePattern,
		dlqName:     dlqName,
		cache:       make(map[string]jetstream.Stream),
	}
}

// RoomQueueName substitutes the room id into the configured pattern.
func (l *Lifecycle) RoomQueueName(roomID string) string {
	return strings.ReplaceAll(l.namePattern, "{roomId}", roomID)
}

// RoomSubject is the subject messages for a room are published on.
func (l *Lifecycle) RoomSubject(roomID string) string {
	return "chat.room." + roomID
}

// DLQName returns the dead-letter queue's stream name.
func (l *Lifecycle) DLQName() string { return l.dlqName }

// dlqSubject is the single subject carried by the dead-letter stream.
func (l *Lifecycle) dlqSubject() string { return "chat.dlq" }

// Resolve returns the stream for a queue name, from cache when possible.
// A missing stream returns ErrQueueNotFound without caching.
func (l *Lifecycle) Resolve(ctx context.Context, name string) (jetstream.Stream, error) {
	l.mu.Lock()
	if s, ok := l.cache[name]; ok {
		l.mu.Unlock()
		return s, nil
	}
	l.mu.Unlock()

	s, err := l.js.Stream(ctx, name)
	if err != nil {
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			return nil, ErrQueueNotFound
		}
		return nil, fmt.Errorf("resolve queue %s: %w", name, err)
	}

	l.mu.Lock()
	l.cache[name] = s
	l.mu.Unlock()
	log.Printf("resolved and cached queue: %s", name)
	return s, nil
}

// EnsureRoomQueue resolves the room's queue, creating it when absent.
// Creation is idempotent: an already-existing stream with the same name
// resolves as success.
func (l *Lifecycle) EnsureRoomQueue(ctx context.Context, roomID string) (jetstream.Stream, error) {
	return l.ensure(ctx, l.RoomQueueName(roomID), l.RoomSubject(roomID))
}

// EnsureDLQ resolves the dead-letter queue, creating it when absent.
func (l *Lifecycle) EnsureDLQ(ctx context.Context) (jetstream.Stream, error) {
	return l.ensure(ctx, l.dlqName, l.dlqSubject())
}

func (l *Lifecycle) ensure(ctx context.Context, name, subject string) (jetstream.Stream, error) {
	s, err := l.Resolve(ctx, name)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrQueueNotFound) {
		return nil, err
	}

	s, err = l.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     name,
		Subjects: []string{subject},
		MaxAge:   queueRetention,
	})
	if err != nil {
		return nil, fmt.Errorf("create queue %s: %w", name, err)
	}

	l.mu.Lock()
	l.cache[name] = s
	l.mu.Unlock()
	log.Printf("created queue: %s (subject %s)", name, subject)
	return s, nil
}

// Evict drops a cached handle, forcing re-resolution on next use.
func (l *Lifecycle) Evict(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cache, name)
	log.Printf("evicted queue handle from cache: %s", name)
}

// DeleteRoomQueue removes a room's queue and its cache entry. Used by
// cleanup tooling; a missing stream is not an error.
func (l *Lifecycle) DeleteRoomQueue(ctx context.Context, roomID string) error {
	return l.delete(ctx, l.RoomQueueName(roomID))
}

// DeleteDLQ removes the dead-letter queue and its cache entry.
func (l *Lifecycle) DeleteDLQ(ctx context.Context) error {
	return l.delete(ctx, l.dlqName)
}

func (l *Lifecycle) delete(ctx context.Context, name string) error {
	l.Evict(name)
	if err := l.js.DeleteStream(ctx, name); err != nil {
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			log.Printf("cannot delete queue %s: does not exist", name)
			return nil
		}
		return fmt.Errorf("delete queue %s: %w", name, err)
	}
	log.Printf("deleted queue: %s", name)
	return nil
}
