package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/chatpipe/chatpipe/internal/metrics"
	"github.com/chatpipe/chatpipe/internal/model"
)

// Handler processes one deserialized message from a room's queue.
// Returning an error triggers the poller's retry protocol.
type Handler func(roomID string, msg *model.ChatMessage) error

// Delivery is one received queue message. Ack removes it from the queue.
type Delivery interface {
	Data() []byte
	Ack() error
}

// Source abstracts the durable queue for the poller. Fetch long-polls up
// to max messages; both Resolve and Fetch report a missing queue with
// ErrQueueNotFound. Evict drops any stale cached handle for the room.
type Source interface {
	Resolve(ctx context.Context, roomID string) error
	Fetch(ctx context.Context, roomID string, max int, wait time.Duration) ([]Delivery, error)
	Evict(roomID string)
}

// DeadLetters is where permanently failed messages go.
type DeadLetters interface {
	PublishDeadLetter(ctx context.Context, roomID string, original *model.ChatMessage, cause error) error
}

// PollerConfig carries the poller's tuning knobs.
type PollerConfig struct {
	Rooms      int
	Batch      int
	Wait       time.Duration // long-poll wait per fetch
	CheckRetry time.Duration // delay when the queue does not exist yet
	MaxRetries int           // handler attempts per message
	Backoff    time.Duration // base of the exponential retry backoff
}

// Poller runs one polling loop per room, retrying handler failures with
// exponential backoff and routing permanent failures to the dead-letter
// queue. The per-room loop survives any single iteration's failure.
type Poller struct {
	cfg    PollerConfig
	source Source
	dlq    DeadLetters
	mx     *metrics.Metrics

	mu      sync.Mutex
	handler Handler
	running bool
	wg      sync.WaitGroup
}

// NewPoller builds a poller; call RegisterHandler before Start.
func NewPoller(cfg PollerConfig, source Source, dlq DeadLetters, mx *metrics.Metrics) *Poller {
	if cfg.Batch <= 0 {
		cfg.Batch = 10
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if cfg.CheckRetry <= 0 {
		cfg.CheckRetry = 5 * time.Second
	}
	return &Poller{cfg: cfg, source: source, dlq: dlq, mx: mx}
}

// RegisterHandler installs the downstream handler. Exactly one handler
// may be registered, and only before Start.
func (p *Poller) RegisterHandler(h Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("cannot register handler while poller is running")
	}
	p.handler = h
	return nil
}

// Start launches one polling goroutine per room. It returns an error if
// no handler is registered or the poller already started.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handler == nil {
		return errors.New("no handler registered")
	}
	if p.running {
		return errors.New("poller already running")
	}
	p.running = true

	log.Printf("starting queue poller: one loop per room (%d rooms)", p.cfg.Rooms)
	for roomID := 1; roomID <= p.cfg.Rooms; roomID++ {
		p.wg.Add(1)
		go func(room string) {
			defer p.wg.Done()
			p.pollRoom(ctx, room)
		}(strconv.Itoa(roomID))
	}
	return nil
}

// Wait blocks until every room loop has exited.
func (p *Poller) Wait() { p.wg.Wait() }

// pollRoom is the dedicated loop for one room. It keeps running until
// ctx is cancelled, treating every error as survivable.
func (p *Poller) pollRoom(ctx context.Context, roomID string) {
	log.Printf("room %s: polling loop started", roomID)
	defer log.Printf("room %s: polling loop stopped", roomID)

	for ctx.Err() == nil {
		if err := p.source.Resolve(ctx, roomID); err != nil {
			if errors.Is(err, ErrQueueNotFound) {
				log.Printf("room %s: queue does not exist yet, waiting %s", roomID, p.cfg.CheckRetry)
				if !sleepCtx(ctx, p.cfg.CheckRetry) {
					return
				}
				continue
			}
			log.Printf("room %s: resolve error: %v", roomID, err)
			if !sleepCtx(ctx, 5*time.Second) {
				return
			}
			continue
		}

		deliveries, err := p.source.Fetch(ctx, roomID, p.cfg.Batch, p.cfg.Wait)
		if err != nil {
			if errors.Is(err, ErrQueueNotFound) {
				// Queue deleted out from under us; drop the stale handle
				// and re-resolve after a delay.
				log.Printf("room %s: queue vanished mid-poll, evicting cache", roomID)
				p.source.Evict(roomID)
				if !sleepCtx(ctx, p.cfg.CheckRetry) {
					return
				}
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Printf("room %s: poll error: %v", roomID, err)
			if !sleepCtx(ctx, 5*time.Second) {
				return
			}
			continue
		}

		for _, d := range deliveries {
			p.processWithRetry(ctx, roomID, d)
		}
	}
}

// processWithRetry runs one delivery through the retry protocol:
// deserialize once (failures go straight to the DLQ), then give the
// handler a bounded number of attempts with exponential backoff. The
// original message is acknowledged in every terminal outcome so it can
// never be reprocessed forever.
func (p *Poller) processWithRetry(ctx context.Context, roomID string, d Delivery) {
	var msg model.ChatMessage
	if err := json.Unmarshal(d.Data(), &msg); err != nil {
		log.Printf("room %s: undeserializable message, sending to DLQ: %v", roomID, err)
		p.deadLetter(ctx, roomID, nil, err)
		p.ack(roomID, d)
		return
	}

	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		if err := p.handler(roomID, &msg); err != nil {
			lastErr = err
			if p.mx != nil {
				p.mx.PollerRetries.WithLabelValues(roomID).Inc()
			}
			log.Printf("room %s: handler failed (attempt %d/%d): %v", roomID, attempt, p.cfg.MaxRetries, err)
			if attempt < p.cfg.MaxRetries {
				// Backoff doubles per attempt from the configured base.
				if !sleepCtx(ctx, p.cfg.Backoff<<(attempt-1)) {
					return
				}
			}
			continue
		}
		p.ack(roomID, d)
		return
	}

	log.Printf("room %s: all %d attempts failed, sending to DLQ", roomID, p.cfg.MaxRetries)
	p.deadLetter(ctx, roomID, &msg, fmt.Errorf("retry budget exhausted: %w", lastErr))
	p.ack(roomID, d)
}

func (p *Poller) deadLetter(ctx context.Context, roomID string, original *model.ChatMessage, cause error) {
	if p.mx != nil {
		p.mx.DeadLettered.WithLabelValues(roomID).Inc()
	}
	if err := p.dlq.PublishDeadLetter(ctx, roomID, original, cause); err != nil {
		log.Printf("room %s: failed to publish to DLQ: %v", roomID, err)
	}
}

func (p *Poller) ack(roomID string, d Delivery) {
	if err := d.Ack(); err != nil {
		log.Printf("room %s: failed to delete message from queue: %v", roomID, err)
	}
}

// sleepCtx sleeps for d unless ctx ends first; it reports whether the
// full duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
