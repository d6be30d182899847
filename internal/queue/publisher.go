package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/chatpipe/chatpipe/internal/model"
)

// Publisher pushes envelopes onto the durable queues, creating a queue
// on first use of its room.
type Publisher struct {
	js        jetstream.JetStream
	lifecycle *Lifecycle
}

// NewPublisher wires a publisher to the queue lifecycle.
func NewPublisher(js jetstream.JetStream, lifecycle *Lifecycle) *Publisher {
	return &Publisher{js: js, lifecycle: lifecycle}
}

// PublishChat enqueues a validated chat message onto its room's queue.
func (p *Publisher) PublishChat(ctx context.Context, roomID string, msg *model.ChatMessage) error {
	if _, err := p.lifecycle.EnsureRoomQueue(ctx, roomID); err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode chat message: %w", err)
	}

	if _, err := p.js.Publish(ctx, p.lifecycle.RoomSubject(roomID), data,
		jetstream.WithMsgID(msg.MessageID)); err != nil {
		return fmt.Errorf("publish to room %s queue: %w", roomID, err)
	}
	return nil
}

// PublishDeadLetter wraps a permanently failed message and pushes it to
// the dead-letter queue. original may be nil when deserialization failed.
func (p *Publisher) PublishDeadLetter(ctx context.Context, roomID string, original *model.ChatMessage, cause error) error {
	if _, err := p.lifecycle.EnsureDLQ(ctx); err != nil {
		return err
	}

	dlq := model.DLQMessage{
		RoomID:          roomID,
		OriginalMessage: original,
		Error:           cause.Error(),
		Timestamp:       time.Now().UTC(),
	}
	data, err := json.Marshal(dlq)
	if err != nil {
		return fmt.Errorf("encode dead-letter message: %w", err)
	}

	if _, err := p.js.Publish(ctx, p.lifecycle.dlqSubject(), data); err != nil {
		return fmt.Errorf("publish to dead-letter queue: %w", err)
	}
	log.Printf("room %s: sent failed message to DLQ %s", roomID, p.lifecycle.DLQName())
	return nil
}
