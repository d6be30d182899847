package front

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/microcosm-cc/bluemonday"

	"github.com/chatpipe/chatpipe/internal/metrics"
	"github.com/chatpipe/chatpipe/internal/model"
)

const ackWriteTimeout = 10 * time.Second

// Enqueuer pushes a validated message onto its room's durable queue.
type Enqueuer interface {
	PublishChat(ctx context.Context, roomID string, msg *model.ChatMessage) error
}

// Subscriptions manages the front's upstream room subscriptions.
type Subscriptions interface {
	Subscribe(ctx context.Context, roomID string) error
	Unsubscribe(ctx context.Context, roomID string) error
}

// Server is the client-facing websocket front. Each accepted connection
// belongs to exactly one room; every message it sends is validated,
// sanitized, enqueued, and acked back with the original envelope echoed.
type Server struct {
	rooms     *RoomSessions
	enqueue   Enqueuer
	subs      Subscriptions
	sanitizer *bluemonday.Policy
	maxRooms  int
	mx        *metrics.Metrics
	limiter   *ConnLimiter
}

// NewServer wires the front. subs may be nil when running without a
// bridge, e.g. in tests that only exercise the ingest path.
func NewServer(enqueue Enqueuer, subs Subscriptions, maxRooms int, mx *metrics.Metrics) *Server {
	return &Server{
		rooms:     NewRoomSessions(),
		enqueue:   enqueue,
		subs:      subs,
		sanitizer: bluemonday.StrictPolicy(),
		maxRooms:  maxRooms,
		mx:        mx,
	}
}

// Rooms exposes the session fan-out, mainly for the broadcast path.
func (s *Server) Rooms() *RoomSessions { return s.rooms }

// SetSubscriptions installs the subscription manager. The manager needs
// the server's broadcast handler, so it is built second and wired here.
func (s *Server) SetSubscriptions(subs Subscriptions) { s.subs = subs }

// SetConnLimiter installs per-client connection throttling on the chat
// route. Optional; nil means unlimited.
func (s *Server) SetConnLimiter(cl *ConnLimiter) { s.limiter = cl }

// Router builds the front's HTTP surface.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	if s.limiter != nil {
		r.With(s.limiter.Middleware).Get("/chat/{roomId}", s.ServeChat)
	} else {
		r.Get("/chat/{roomId}", s.ServeChat)
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", s.mx.Handler())
	return r
}

// HandleBroadcast fans a bridge broadcast out to the room's connections.
// It satisfies BroadcastHandler.
func (s *Server) HandleBroadcast(roomID string, bm *model.BroadcastMessage) {
	success, failure := s.rooms.Broadcast(context.Background(), roomID, bm)
	s.mx.BroadcastSuccess.WithLabelValues(roomID).Add(float64(success))
	s.mx.BroadcastFailure.WithLabelValues(roomID).Add(float64(failure))
}

// ServeChat upgrades a client connection and serves its room until the
// peer disconnects.
func (s *Server) ServeChat(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomId")
	if !s.validRoom(roomID) {
		http.Error(w, "unknown room", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("room %s: upgrade failed: %v", roomID, err)
		return
	}

	ctx := r.Context()
	cc := &serverConn{conn: conn}

	if first := s.rooms.Add(roomID, cc); first && s.subs != nil {
		if err := s.subs.Subscribe(ctx, roomID); err != nil {
			log.Printf("room %s: broadcast subscription pending: %v", roomID, err)
		}
	}
	defer func() {
		if last := s.rooms.Remove(roomID, cc); last && s.subs != nil {
			if err := s.subs.Unsubscribe(context.WithoutCancel(ctx), roomID); err != nil {
				log.Printf("room %s: unsubscribe failed: %v", roomID, err)
			}
		}
		conn.CloseNow()
	}()

	s.readLoop(ctx, roomID, cc)
}

func (s *Server) readLoop(ctx context.Context, roomID string, cc *serverConn) {
	for {
		msgType, data, err := cc.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure &&
				status != websocket.StatusGoingAway &&
				status != -1 {
				log.Printf("room %s: read error: %v", roomID, err)
			}
			return
		}
		if msgType != websocket.MessageText {
			continue
		}

		s.mx.MessagesReceived.WithLabelValues(roomID).Inc()

		var payload model.ChatMessage
		if err := json.Unmarshal(data, &payload); err != nil {
			s.mx.MessagesRejected.WithLabelValues(roomID).Inc()
			s.writeAck(ctx, cc, &model.ResponseMessage{
				ServerTimestamp: time.Now().UTC(),
				Status:          "ERROR",
				Error:           "malformed message",
			})
			continue
		}

		if err := s.accept(ctx, roomID, &payload); err != nil {
			s.mx.MessagesRejected.WithLabelValues(roomID).Inc()
			s.writeAck(ctx, cc, &model.ResponseMessage{
				Echo:            &payload,
				ServerTimestamp: time.Now().UTC(),
				Status:          "ERROR",
				Error:           err.Error(),
			})
			continue
		}

		s.mx.MessagesEnqueued.WithLabelValues(roomID).Inc()
		s.writeAck(ctx, cc, &model.ResponseMessage{
			Echo:            &payload,
			ServerTimestamp: time.Now().UTC(),
			Status:          "RECEIVED",
		})
	}
}

// accept validates, sanitizes, and enqueues one message.
func (s *Server) accept(ctx context.Context, roomID string, payload *model.ChatMessage) error {
	if payload.RoomID != roomID {
		return fmt.Errorf("message addressed to room %s on room %s connection", payload.RoomID, roomID)
	}
	if err := model.Validate(payload, s.maxRooms); err != nil {
		return err
	}

	// Strip any markup before the message reaches the queue.
	payload.Message = s.sanitizer.Sanitize(payload.Message)
	payload.Username = s.sanitizer.Sanitize(payload.Username)

	if err := s.enqueue.PublishChat(ctx, roomID, payload); err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}
	return nil
}

func (s *Server) writeAck(ctx context.Context, cc *serverConn, resp *model.ResponseMessage) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Printf("failed to encode ack: %v", err)
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, ackWriteTimeout)
	defer cancel()
	if err := cc.Write(writeCtx, data); err != nil {
		log.Printf("failed to write ack: %v", err)
	}
}

func (s *Server) validRoom(roomID string) bool {
	n, err := strconv.Atoi(roomID)
	return err == nil && n >= 1 && n <= s.maxRooms
}

// serverConn adapts a coder/websocket connection to ClientConn.
type serverConn struct {
	conn *websocket.Conn
}

func (c *serverConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *serverConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "closing")
}
