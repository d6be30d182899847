package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatpipe/chatpipe/internal/metrics"
	"github.com/chatpipe/chatpipe/internal/model"
)

// memDelivery is a queue message living in memory.
type memDelivery struct {
	data  []byte
	mu    sync.Mutex
	acked int
}

func (d *memDelivery) Data() []byte { return d.data }

func (d *memDelivery) Ack() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acked++
	return nil
}

func (d *memDelivery) ackCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acked
}

// memSource hands out one batch of deliveries for room "1" and empty
// batches afterwards.
type memSource struct {
	mu      sync.Mutex
	batch   []Delivery
	served  bool
	evicted int
}

func (s *memSource) Resolve(context.Context, string) error { return nil }

func (s *memSource) Fetch(ctx context.Context, roomID string, max int, wait time.Duration) ([]Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.served || roomID != "1" {
		return nil, nil
	}
	s.served = true
	return s.batch, nil
}

func (s *memSource) Evict(string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evicted++
}

// memDLQ records dead-lettered messages.
type memDLQ struct {
	mu      sync.Mutex
	entries []model.DLQMessage
}

func (q *memDLQ) PublishDeadLetter(_ context.Context, roomID string, original *model.ChatMessage, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, model.DLQMessage{
		RoomID:          roomID,
		OriginalMessage: original,
		Error:           cause.Error(),
		Timestamp:       time.Now().UTC(),
	})
	return nil
}

func (q *memDLQ) snapshot() []model.DLQMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]model.DLQMessage(nil), q.entries...)
}

func encodeChat(t *testing.T, roomID string) []byte {
	t.Helper()
	data, err := json.Marshal(&model.ChatMessage{
		UserID:      "1",
		RoomID:      roomID,
		MessageID:   uuid.NewString(),
		Username:    "ABC1",
		Message:     "hello",
		Timestamp:   time.Now().UTC(),
		MessageType: model.TypeText,
	})
	require.NoError(t, err)
	return data
}

func newTestPoller(source Source, dlq DeadLetters) *Poller {
	return NewPoller(PollerConfig{
		Rooms:      1,
		Batch:      10,
		Wait:       10 * time.Millisecond,
		CheckRetry: 10 * time.Millisecond,
		MaxRetries: 3,
		Backoff:    time.Millisecond,
	}, source, dlq, metrics.New("test"))
}

func TestPollerDeliversAndAcks(t *testing.T) {
	d := &memDelivery{data: encodeChat(t, "1")}
	source := &memSource{batch: []Delivery{d}}
	dlq := &memDLQ{}
	p := newTestPoller(source, dlq)

	var mu sync.Mutex
	var handled []string
	require.NoError(t, p.RegisterHandler(func(roomID string, msg *model.ChatMessage) error {
		mu.Lock()
		handled = append(handled, msg.MessageID)
		mu.Unlock()
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx))

	require.Eventually(t, func() bool { return d.ackCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	p.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, handled, 1)
	assert.Empty(t, dlq.snapshot())
}

func TestPollerRetriesThenDeadLetters(t *testing.T) {
	d := &memDelivery{data: encodeChat(t, "1")}
	source := &memSource{batch: []Delivery{d}}
	dlq := &memDLQ{}
	p := newTestPoller(source, dlq)

	var attempts int
	var mu sync.Mutex
	require.NoError(t, p.RegisterHandler(func(string, *model.ChatMessage) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errors.New("downstream unavailable")
	}))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx))

	require.Eventually(t, func() bool { return d.ackCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	p.Wait()

	mu.Lock()
	assert.Equal(t, 3, attempts)
	mu.Unlock()

	entries := dlq.snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, "1", entries[0].RoomID)
	require.NotNil(t, entries[0].OriginalMessage)
	assert.Contains(t, entries[0].Error, "retry budget exhausted")
}

func TestPollerDeadLettersUndeserializable(t *testing.T) {
	d := &memDelivery{data: []byte("not json at all")}
	source := &memSource{batch: []Delivery{d}}
	dlq := &memDLQ{}
	p := newTestPoller(source, dlq)

	var handled bool
	var mu sync.Mutex
	require.NoError(t, p.RegisterHandler(func(string, *model.ChatMessage) error {
		mu.Lock()
		handled = true
		mu.Unlock()
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx))

	require.Eventually(t, func() bool { return d.ackCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	p.Wait()

	mu.Lock()
	assert.False(t, handled, "handler must never see an undeserializable message")
	mu.Unlock()

	entries := dlq.snapshot()
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].OriginalMessage)
}

func TestPollerHandlerRegistration(t *testing.T) {
	p := newTestPoller(&memSource{}, &memDLQ{})

	// No handler yet: refuse to start.
	assert.Error(t, p.Start(context.Background()))

	require.NoError(t, p.RegisterHandler(func(string, *model.ChatMessage) error { return nil }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))

	// Running poller rejects both re-registration and a second start.
	assert.Error(t, p.RegisterHandler(func(string, *model.ChatMessage) error { return nil }))
	assert.Error(t, p.Start(ctx))

	cancel()
	p.Wait()
}
