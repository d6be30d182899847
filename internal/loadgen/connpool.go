package loadgen

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/chatpipe/chatpipe/internal/model"
)

const (
	maxSendRetries = 3
	sendRetryDelay = 100 * time.Millisecond
)

// Conn is one live connection to a room on the front. Implementations
// must be safe for concurrent Write calls.
type Conn interface {
	Write(ctx context.Context, data []byte) error
	IsOpen() bool
	Close() error
}

// Dialer opens a connection to a room URL. The pool calls it lazily and
// again whenever an existing connection is found closed.
type Dialer func(ctx context.Context, url string) (Conn, error)

// roomStats carries per-room delivery counters. They are keyed by room
// id, independent of connection identity, so a reconnect never loses
// counts.
type roomStats struct {
	attempted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
}

// ConnPool maintains one persistent connection per room, created lazily
// and recreated transparently when found closed. Sends retry a bounded
// number of times, re-fetching the connection between attempts.
type ConnPool struct {
	baseURL        string
	connectTimeout time.Duration
	dial           Dialer

	mu    sync.Mutex
	conns map[int]Conn

	statsMu sync.Mutex
	stats   map[int]*roomStats

	tasks   chan []byte
	tasksWG sync.WaitGroup
}

// NewConnPool builds a pool over the given dialer. senderWorkers and
// taskCapacity size the bounded worker pool behind SendAsync.
func NewConnPool(baseURL string, connectTimeout time.Duration, dial Dialer, senderWorkers, taskCapacity int) *ConnPool {
	p := &ConnPool{
		baseURL:        baseURL,
		connectTimeout: connectTimeout,
		dial:           dial,
		conns:          make(map[int]Conn),
		stats:          make(map[int]*roomStats),
		tasks:          make(chan []byte, taskCapacity),
	}
	for i := 0; i < senderWorkers; i++ {
		p.tasksWG.Add(1)
		go func() {
			defer p.tasksWG.Done()
			for data := range p.tasks {
				p.send(data)
			}
		}()
	}
	return p
}

// RoomURL builds the front address for a room.
func (p *ConnPool) RoomURL(roomID int) string {
	return fmt.Sprintf("%s/chat/%d", p.baseURL, roomID)
}

// Get returns a live connection for the room, creating one if absent or
// no longer open. On dial failure the previous connection reference (or
// nil) is returned and the caller retries.
func (p *ConnPool) Get(roomID int) Conn {
	p.mu.Lock()
	existing := p.conns[roomID]
	p.mu.Unlock()

	if existing != nil && existing.IsOpen() {
		return existing
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.connectTimeout)
	defer cancel()

	fresh, err := p.dial(ctx, p.RoomURL(roomID))
	if err != nil {
		log.Printf("failed to (re)create connection for room %d: %v", roomID, err)
		return existing
	}

	// Another goroutine may have dialed the same room while we were
	// outside the lock. Keep whichever live connection is already in
	// the map and close ours so its socket and reader are not leaked.
	p.mu.Lock()
	if current := p.conns[roomID]; current != nil && current != existing && current.IsOpen() {
		p.mu.Unlock()
		if err := fresh.Close(); err != nil {
			log.Printf("closing redundant connection for room %d: %v", roomID, err)
		}
		return current
	}
	p.conns[roomID] = fresh
	p.mu.Unlock()
	return fresh
}

// Precreate dials every room in parallel so the first messages are not
// serialized behind lazy connection setup.
func (p *ConnPool) Precreate(rooms int) {
	start := time.Now()
	var wg sync.WaitGroup
	for roomID := 1; roomID <= rooms; roomID++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if p.Get(id) == nil {
				log.Printf("connection for room %d not ready", id)
			}
		}(roomID)
	}
	wg.Wait()
	log.Printf("created %d room connections in %s", rooms, time.Since(start).Round(time.Millisecond))
}

// SendAsync hands a serialized message to the bounded sender pool. It
// blocks only when the task queue itself is full (backpressure).
func (p *ConnPool) SendAsync(data []byte) {
	p.tasks <- data
}

// send delivers one serialized envelope with the bounded retry protocol:
// up to maxSendRetries attempts, sleeping and re-fetching the connection
// between failures. Exhausting the budget records a failure and gives up.
func (p *ConnPool) send(data []byte) {
	var msg model.ChatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("sender: undecodable payload dropped: %v", err)
		return
	}
	roomID, err := strconv.Atoi(msg.RoomID)
	if err != nil {
		log.Printf("sender: bad roomId %q dropped", msg.RoomID)
		return
	}

	p.forRoom(roomID).attempted.Add(1)

	conn := p.Get(roomID)
	sent := false

	for retry := 0; retry < maxSendRetries && !sent; retry++ {
		if conn != nil && conn.IsOpen() {
			ctx, cancel := context.WithTimeout(context.Background(), p.connectTimeout)
			err := conn.Write(ctx, data)
			cancel()
			if err == nil {
				sent = true
				p.forRoom(roomID).succeeded.Add(1)
			} else if retry < maxSendRetries-1 {
				time.Sleep(sendRetryDelay)
				conn = p.Get(roomID)
			} else {
				log.Printf("send failed: room=%d message=%s err=%v", roomID, msg.MessageID, err)
			}
		} else if retry < maxSendRetries-1 {
			time.Sleep(sendRetryDelay)
			conn = p.Get(roomID)
		}
	}

	if !sent {
		p.forRoom(roomID).failed.Add(1)
	}
}

func (p *ConnPool) forRoom(roomID int) *roomStats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	s, ok := p.stats[roomID]
	if !ok {
		s = &roomStats{}
		p.stats[roomID] = s
	}
	return s
}

// TotalAttempted sums send attempts across all rooms.
func (p *ConnPool) TotalAttempted() int64 {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	var total int64
	for _, s := range p.stats {
		total += s.attempted.Load()
	}
	return total
}

// ReportStats logs per-room and total delivery counters. runtime, when
// positive, is used for a throughput line.
func (p *ConnPool) ReportStats(runtime time.Duration) {
	p.statsMu.Lock()
	rooms := make([]int, 0, len(p.stats))
	for id := range p.stats {
		rooms = append(rooms, id)
	}
	p.statsMu.Unlock()

	var totalSent, totalSuccess, totalFailed int64
	log.Printf("=== final statistics by room ===")
	for _, id := range rooms {
		s := p.forRoom(id)
		sent, success, failed := s.attempted.Load(), s.succeeded.Load(), s.failed.Load()
		log.Printf("room %d: sent=%d success=%d failed=%d", id, sent, success, failed)
		totalSent += sent
		totalSuccess += success
		totalFailed += failed
	}
	log.Printf("total: sent=%d success=%d failed=%d", totalSent, totalSuccess, totalFailed)
	if runtime > 0 {
		log.Printf("runtime: %s | throughput: %.2f msg/s",
			runtime.Round(time.Second), float64(totalSuccess)/runtime.Seconds())
	}
}

// Close drains the sender pool and closes every connection.
func (p *ConnPool) Close() {
	close(p.tasks)
	p.tasksWG.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for id, conn := range p.conns {
		if conn != nil && conn.IsOpen() {
			if err := conn.Close(); err != nil {
				log.Printf("error closing connection for room %d: %v", id, err)
			}
		}
	}
	p.conns = make(map[int]Conn)
}

// wsConn adapts a coder/websocket connection to the pool's Conn
// interface and feeds echoed acks back into the user pool.
type wsConn struct {
	conn   *websocket.Conn
	open   atomic.Bool
	cancel context.CancelFunc
}

// WebSocketDialer returns a Dialer that opens real websocket connections
// and runs a reader goroutine per connection, correlating every echoed
// ack back into the originating session via pool.Confirm.
func WebSocketDialer(pool *UserPool) Dialer {
	return func(ctx context.Context, url string) (Conn, error) {
		c, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", url, err)
		}

		readCtx, cancel := context.WithCancel(context.Background())
		wc := &wsConn{conn: c, cancel: cancel}
		wc.open.Store(true)

		go wc.readAcks(readCtx, pool)
		return wc, nil
	}
}

func (w *wsConn) readAcks(ctx context.Context, pool *UserPool) {
	defer w.open.Store(false)

	for {
		_, data, err := w.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure &&
				status != websocket.StatusGoingAway &&
				status != -1 {
				log.Printf("ack reader: %v", err)
			}
			return
		}

		var resp model.ResponseMessage
		if err := json.Unmarshal(data, &resp); err != nil {
			log.Printf("ack reader: failed to parse response: %v", err)
			continue
		}
		if resp.Echo == nil {
			continue
		}
		userID, err := strconv.Atoi(resp.Echo.UserID)
		if err != nil {
			log.Printf("ack reader: bad userId in echo: %q", resp.Echo.UserID)
			continue
		}
		pool.Confirm(userID, resp.Echo.MessageType, resp.Echo.MessageID)
	}
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) IsOpen() bool { return w.open.Load() }

func (w *wsConn) Close() error {
	w.cancel()
	w.open.Store(false)
	return w.conn.Close(websocket.StatusNormalClosure, "client done")
}
