package loadgen

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// poisonPill is the shutdown sentinel pushed onto the shared queue, one
// per dispatcher worker, once production is done. Real payloads are JSON
// objects so the sentinel can never collide with one.
var poisonPill = []byte("POISON_PILL")

// emptyPoolBackoff is how long a producer sleeps when the scheduler has
// no message ready.
const emptyPoolBackoff = 2 * time.Millisecond

// Producer pulls messages from the pool scheduler, serializes them, and
// pushes them onto the shared bounded queue. Several Run loops may work
// the same Producer concurrently; they share one produced counter and
// exactly one of them enqueues the poison pills.
type Producer struct {
	pool  *UserPool
	queue chan []byte

	totalMessages int64
	dispatchers   int
	progressEvery int64

	// limiter, when set, caps aggregate production throughput.
	limiter *rate.Limiter

	produced  atomic.Int64
	pillsSent atomic.Bool
}

// NewProducer wires a producer to its scheduler and shared queue.
// queueCapacity bounds the queue; a push to a full queue blocks the
// producing worker rather than dropping the message.
func NewProducer(pool *UserPool, queueCapacity int, totalMessages int64, dispatchers int) *Producer {
	return &Producer{
		pool:          pool,
		queue:         make(chan []byte, queueCapacity),
		totalMessages: totalMessages,
		dispatchers:   dispatchers,
		progressEvery: 10000,
	}
}

// SetRateLimit caps production at n messages per second across all
// workers. Zero or negative n disables the cap.
func (p *Producer) SetRateLimit(n int) {
	if n <= 0 {
		p.limiter = nil
		return
	}
	p.limiter = rate.NewLimiter(rate.Limit(n), n)
}

// Queue exposes the shared bounded queue for dispatcher workers.
func (p *Producer) Queue() <-chan []byte { return p.queue }

// QueueDepth reports the number of messages currently buffered.
func (p *Producer) QueueDepth() int { return len(p.queue) }

// Produced reports how many messages all workers produced so far.
func (p *Producer) Produced() int64 { return p.produced.Load() }

// Run is one producer worker loop. It exits when the configured total has
// been produced or ctx is cancelled; the last worker out (first to win
// the single-shot flag) pushes one poison pill per dispatcher.
func (p *Producer) Run(ctx context.Context) {
	defer p.sendPoisonPills(ctx)

	for {
		if p.produced.Load() >= p.totalMessages {
			return
		}
		if ctx.Err() != nil {
			return
		}

		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return
			}
		}

		msg := p.pool.SelectNext()
		if msg == nil {
			if p.produced.Load() >= p.totalMessages {
				return
			}
			// No session had work at this instant; back off briefly.
			select {
			case <-time.After(emptyPoolBackoff):
			case <-ctx.Done():
				return
			}
			continue
		}

		data, err := json.Marshal(msg)
		if err != nil {
			log.Printf("producer: failed to encode message: %v", err)
			continue
		}

		select {
		case p.queue <- data:
		case <-ctx.Done():
			return
		}

		n := p.produced.Add(1)
		if n%p.progressEvery == 0 || n == p.totalMessages {
			depth := len(p.queue)
			capacity := cap(p.queue)
			log.Printf("producer progress: %d/%d | queue depth %d/%d (%.2f%%)",
				n, p.totalMessages, depth, capacity, float64(depth)*100/float64(capacity))
		}
		if n >= p.totalMessages {
			return
		}
	}
}

// sendPoisonPills enqueues exactly one sentinel per dispatcher worker.
// The CAS guarantees this happens once even with many producer workers.
func (p *Producer) sendPoisonPills(ctx context.Context) {
	if !p.pillsSent.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < p.dispatchers; i++ {
		select {
		case p.queue <- poisonPill:
		case <-ctx.Done():
			log.Printf("producer: context cancelled before all poison pills were enqueued")
			return
		}
	}
	log.Printf("producer: sent %d poison pills", p.dispatchers)
}

// isPoisonPill reports whether a queue item is the shutdown sentinel.
func isPoisonPill(item []byte) bool {
	return bytes.Equal(item, poisonPill)
}

// Dispatcher drains the shared queue and hands each message to the
// transport. Send errors are logged, never fatal to the loop.
type Dispatcher struct {
	queue <-chan []byte
	send  func(data []byte)
}

// NewDispatcher builds a dispatcher over the producer's queue. send must
// not block for the duration of delivery; the transport runs its own
// worker pool.
func NewDispatcher(queue <-chan []byte, send func(data []byte)) *Dispatcher {
	return &Dispatcher{queue: queue, send: send}
}

// Start launches workers dispatcher goroutines and returns a WaitGroup
// that completes when every worker has observed its sentinel or the
// context was cancelled.
func (d *Dispatcher) Start(ctx context.Context, workers int) *sync.WaitGroup {
	var wg sync.WaitGroup
	log.Printf("starting %d dispatcher workers", workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.run(ctx, id)
		}(i)
	}
	return &wg
}

func (d *Dispatcher) run(ctx context.Context, id int) {
	for {
		select {
		case item := <-d.queue:
			if isPoisonPill(item) {
				log.Printf("dispatcher-%d received poison pill, stopping", id)
				return
			}
			d.send(item)

		case <-ctx.Done():
			log.Printf("dispatcher-%d context cancelled", id)
			return
		}
	}
}
