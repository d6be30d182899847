package loadgen

import (
	"context"
	"log"
	"time"
)

// RunnerConfig carries the knobs for one load-generation run.
type RunnerConfig struct {
	Users    int
	Rooms    int
	Messages int64

	ProducerWorkers   int
	DispatcherWorkers int
	QueueCapacity     int
	SenderWorkers     int
	SenderCapacity    int

	ConnectTimeout time.Duration
	AckTimeout     time.Duration

	// RateLimit caps produced messages per second; zero disables.
	RateLimit int
}

// Runner coordinates one full client run: user pool setup, connection
// pre-creation, producer and dispatcher startup, completion wait, and
// the final report.
type Runner struct {
	cfg  RunnerConfig
	pool *UserPool
	conn *ConnPool
}

// NewRunner wires a runner. dial is injected so tests can run the whole
// pipeline against an in-memory transport.
func NewRunner(cfg RunnerConfig, baseURL string, dial Dialer) *Runner {
	pool := NewUserPool()
	if dial == nil {
		dial = WebSocketDialer(pool)
	}
	return &Runner{
		cfg:  cfg,
		pool: pool,
		conn: NewConnPool(baseURL, cfg.ConnectTimeout, dial, cfg.SenderWorkers, cfg.SenderCapacity),
	}
}

// Pool exposes the user pool, mainly for tests.
func (r *Runner) Pool() *UserPool { return r.pool }

// Run executes the whole load-generation lifecycle and blocks until all
// sessions complete, the ack timeout passes, or ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	log.Printf("=== client starting ===")
	start := time.Now()

	textPerUser, leftover := DistributeTexts(r.cfg.Messages, r.cfg.Users)
	log.Printf("distribution: users=%d rooms=%d messages=%d textPerUser=%d leftover=%d",
		r.cfg.Users, r.cfg.Rooms, r.cfg.Messages, textPerUser, leftover)
	r.pool.Init(r.cfg.Users, r.cfg.Rooms, textPerUser, leftover)

	r.conn.Precreate(r.cfg.Rooms)

	producer := NewProducer(r.pool, r.cfg.QueueCapacity, r.cfg.Messages, r.cfg.DispatcherWorkers)
	if r.cfg.RateLimit > 0 {
		producer.SetRateLimit(r.cfg.RateLimit)
	}

	// Workers get their own cancel so a timed-out wait still tears the
	// pipeline down.
	runCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	dispatcher := NewDispatcher(producer.Queue(), r.conn.SendAsync)
	dispatcherWG := dispatcher.Start(runCtx, r.cfg.DispatcherWorkers)

	for i := 0; i < r.cfg.ProducerWorkers; i++ {
		go producer.Run(runCtx)
	}
	log.Printf("started %d producer workers", r.cfg.ProducerWorkers)

	err := r.waitForCompletion(ctx, producer)
	if err != nil {
		stopWorkers()
	}

	dispatcherWG.Wait()
	runtime := time.Since(start)

	r.conn.ReportStats(runtime)
	r.conn.Close()
	log.Printf("=== client finished ===")
	return err
}

// waitForCompletion polls until every session reaches DONE, logging
// progress periodically. Leaves a short grace after completion so the
// tail of async sends can land.
func (r *Runner) waitForCompletion(ctx context.Context, producer *Producer) error {
	deadline := time.Now().Add(r.cfg.AckTimeout)
	lastProgress := time.Now()
	lastSent := time.Now()

	for !r.pool.AllComplete() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}

		now := time.Now()
		if now.Sub(lastProgress) > 5*time.Second {
			log.Printf("progress: users complete %d/%d | pending confirmations %d",
				r.pool.CompletedUsers(), r.pool.TotalUsers(), r.pool.PendingConfirmations())
			lastProgress = now
		}
		if now.Sub(lastSent) > 10*time.Second {
			log.Printf("messages produced so far: %d | sent so far: %d",
				producer.Produced(), r.conn.TotalAttempted())
			lastSent = now
		}
		if r.cfg.AckTimeout > 0 && now.After(deadline) {
			log.Printf("ack timeout after %s: users complete %d/%d, giving up the wait",
				r.cfg.AckTimeout, r.pool.CompletedUsers(), r.pool.TotalUsers())
			return context.DeadlineExceeded
		}
	}

	log.Printf("all sessions complete, draining async sends")
	select {
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
	}
	return nil
}
