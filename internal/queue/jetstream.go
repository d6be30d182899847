package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// JetStreamSource adapts the JetStream lifecycle to the poller's Source
// interface. One durable pull consumer is kept per room.
type JetStreamSource struct {
	lifecycle *Lifecycle
	durable   string

	mu        sync.Mutex
	consumers map[string]jetstream.Consumer
}

// NewJetStreamSource builds a source. durable names the bridge's pull
// consumer on every room stream; two bridges sharing the name share the
// consumer's delivery cursor.
func NewJetStreamSource(lifecycle *Lifecycle, durable string) *JetStreamSource {
	return &JetStreamSource{
		lifecycle: lifecycle,
		durable:   durable,
		consumers: make(map[string]jetstream.Consumer),
	}
}

// Resolve checks that the room's queue exists.
func (s *JetStreamSource) Resolve(ctx context.Context, roomID string) error {
	_, err := s.lifecycle.Resolve(ctx, s.lifecycle.RoomQueueName(roomID))
	return err
}

// Fetch long-polls the room's queue for up to max messages. A missing
// stream or consumer maps to ErrQueueNotFound so the poller can evict
// and re-resolve.
func (s *JetStreamSource) Fetch(ctx context.Context, roomID string, max int, wait time.Duration) ([]Delivery, error) {
	consumer, err := s.consumer(ctx, roomID)
	if err != nil {
		return nil, err
	}

	batch, err := consumer.Fetch(max, jetstream.FetchMaxWait(wait))
	if err != nil {
		return nil, s.mapErr(roomID, err)
	}

	var out []Delivery
	for msg := range batch.Messages() {
		out = append(out, jsDelivery{msg})
	}
	if err := batch.Error(); err != nil {
		return out, s.mapErr(roomID, err)
	}
	return out, nil
}

// Evict drops the cached consumer and stream handle for the room.
func (s *JetStreamSource) Evict(roomID string) {
	s.mu.Lock()
	delete(s.consumers, roomID)
	s.mu.Unlock()
	s.lifecycle.Evict(s.lifecycle.RoomQueueName(roomID))
}

func (s *JetStreamSource) consumer(ctx context.Context, roomID string) (jetstream.Consumer, error) {
	s.mu.Lock()
	if c, ok := s.consumers[roomID]; ok {
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	stream, err := s.lifecycle.Resolve(ctx, s.lifecycle.RoomQueueName(roomID))
	if err != nil {
		return nil, err
	}

	c, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:   fmt.Sprintf("%s-room-%s", s.durable, roomID),
		AckPolicy: jetstream.AckExplicitPolicy,
		AckWait:   ackWait,
	})
	if err != nil {
		return nil, s.mapErr(roomID, err)
	}

	s.mu.Lock()
	s.consumers[roomID] = c
	s.mu.Unlock()
	return c, nil
}

func (s *JetStreamSource) mapErr(roomID string, err error) error {
	if errors.Is(err, jetstream.ErrStreamNotFound) || errors.Is(err, jetstream.ErrConsumerNotFound) {
		return ErrQueueNotFound
	}
	return fmt.Errorf("room %s queue: %w", roomID, err)
}

type jsDelivery struct {
	msg jetstream.Msg
}

func (d jsDelivery) Data() []byte { return d.msg.Data() }
func (d jsDelivery) Ack() error   { return d.msg.Ack() }
