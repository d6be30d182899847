// Package bridge republishes messages drained from the durable queues
// toward whichever fronts are subscribed to their rooms. Fronts connect
// to the bridge's broadcast websocket and subscribe per-room topics.
package bridge

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/olahol/melody"

	"github.com/chatpipe/chatpipe/internal/model"
)

// ControlFrame is what a subscriber sends on the broadcast socket.
type ControlFrame struct {
	Action string `json:"action"` // "subscribe" or "unsubscribe"
	Topic  string `json:"topic"`
}

// BroadcastFrame is what the bridge pushes to subscribed sessions.
type BroadcastFrame struct {
	Topic     string                  `json:"topic"`
	Broadcast *model.BroadcastMessage `json:"broadcast"`
}

// Broadcaster owns the broadcast websocket endpoint and the per-session
// topic subscriptions.
type Broadcaster struct {
	m           *melody.Melody
	topicPrefix string

	mu     sync.Mutex
	topics map[*melody.Session]map[string]struct{}
}

// NewBroadcaster builds the broadcast hub. topicPrefix is prepended to
// every room topic, e.g. "/topic/chat".
func NewBroadcaster(topicPrefix string) *Broadcaster {
	b := &Broadcaster{
		m:           melody.New(),
		topicPrefix: topicPrefix,
		topics:      make(map[*melody.Session]map[string]struct{}),
	}
	b.m.Config.MaxMessageSize = 8192

	b.m.HandleConnect(func(s *melody.Session) {
		log.Printf("broadcast subscriber connected: %s", s.Request.RemoteAddr)
	})
	b.m.HandleMessage(b.handleControl)
	b.m.HandleDisconnect(func(s *melody.Session) {
		b.mu.Lock()
		n := len(b.topics[s])
		delete(b.topics, s)
		b.mu.Unlock()
		log.Printf("broadcast subscriber disconnected: %s (%d topics dropped)", s.Request.RemoteAddr, n)
	})
	return b
}

// HandleRequest upgrades an incoming subscriber connection.
func (b *Broadcaster) HandleRequest(w http.ResponseWriter, r *http.Request) {
	if err := b.m.HandleRequest(w, r); err != nil {
		log.Printf("broadcast upgrade error: %v", err)
	}
}

// Topic returns the broadcast topic for a room.
func (b *Broadcaster) Topic(roomID string) string {
	return b.topicPrefix + "/" + roomID
}

func (b *Broadcaster) handleControl(s *melody.Session, msg []byte) {
	var frame ControlFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		log.Printf("broadcast: invalid control frame from %s: %v", s.Request.RemoteAddr, err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch frame.Action {
	case "subscribe":
		set, ok := b.topics[s]
		if !ok {
			set = make(map[string]struct{})
			b.topics[s] = set
		}
		set[frame.Topic] = struct{}{}
		log.Printf("broadcast: %s subscribed to %s", s.Request.RemoteAddr, frame.Topic)

	case "unsubscribe":
		delete(b.topics[s], frame.Topic)
		log.Printf("broadcast: %s unsubscribed from %s", s.Request.RemoteAddr, frame.Topic)

	default:
		log.Printf("broadcast: unknown action %q from %s", frame.Action, s.Request.RemoteAddr)
	}
}

// Publish pushes a broadcast envelope to every session subscribed to the
// room's topic. It serializes once and never fails one subscriber
// because of another.
func (b *Broadcaster) Publish(roomID string, bm *model.BroadcastMessage) error {
	topic := b.Topic(roomID)
	data, err := json.Marshal(BroadcastFrame{Topic: topic, Broadcast: bm})
	if err != nil {
		return fmt.Errorf("encode broadcast for room %s: %w", roomID, err)
	}

	return b.m.BroadcastFilter(data, func(s *melody.Session) bool {
		b.mu.Lock()
		_, ok := b.topics[s][topic]
		b.mu.Unlock()
		return ok
	})
}

// Close shuts the broadcast hub down, closing all subscriber sessions.
func (b *Broadcaster) Close() error {
	return b.m.Close()
}

// NewQueueHandler returns the poller handler that republishes drained
// queue messages through the broadcaster.
func NewQueueHandler(b *Broadcaster) func(roomID string, msg *model.ChatMessage) error {
	return func(roomID string, msg *model.ChatMessage) error {
		bm := &model.BroadcastMessage{
			ChatMessage:        msg,
			BroadcastTimestamp: time.Now().UTC(),
			RoomID:             roomID,
		}
		if err := b.Publish(roomID, bm); err != nil {
			return err
		}
		log.Printf("published message %s to topic %s", msg.MessageID, b.Topic(roomID))
		return nil
	}
}
