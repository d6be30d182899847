package front

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"

	"github.com/chatpipe/chatpipe/internal/bridge"
	"github.com/chatpipe/chatpipe/internal/model"
)

const subscriberWriteTimeout = 5 * time.Second

// BroadcastHandler receives each broadcast envelope pushed by a bridge.
type BroadcastHandler func(roomID string, bm *model.BroadcastMessage)

// SubConn is one control connection to a bridge's broadcast endpoint.
type SubConn interface {
	Subscribe(ctx context.Context, topic string) error
	Unsubscribe(ctx context.Context, topic string) error
	Close() error
}

// SubDialer opens a control connection to a bridge endpoint. onClose
// fires once when the connection dies for any reason.
type SubDialer func(ctx context.Context, endpoint string, handler BroadcastHandler, onClose func()) (SubConn, error)

// wsSubscriber is the production SubConn over a websocket.
type wsSubscriber struct {
	conn    *websocket.Conn
	handler BroadcastHandler
	onClose func()
}

// DialBridge connects to a bridge's broadcast endpoint and starts the
// read loop delivering broadcasts to the handler.
func DialBridge(ctx context.Context, endpoint string, handler BroadcastHandler, onClose func()) (SubConn, error) {
	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial bridge %s: %w", endpoint, err)
	}
	conn.SetReadLimit(1 << 20)

	s := &wsSubscriber{conn: conn, handler: handler, onClose: onClose}
	go s.readLoop(context.WithoutCancel(ctx))
	return s, nil
}

func (s *wsSubscriber) readLoop(ctx context.Context) {
	defer func() {
		s.conn.Close(websocket.StatusNormalClosure, "done")
		if s.onClose != nil {
			s.onClose()
		}
	}()

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			slog.WarnContext(ctx, "bridge connection closed",
				"error", err)
			return
		}

		var frame bridge.BroadcastFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.ErrorContext(ctx, "bridge sent malformed broadcast",
				"error", err)
			continue
		}
		if frame.Broadcast == nil || frame.Broadcast.ChatMessage == nil {
			continue
		}
		s.handler(frame.Broadcast.RoomID, frame.Broadcast)
	}
}

func (s *wsSubscriber) control(ctx context.Context, action, topic string) error {
	data, err := json.Marshal(bridge.ControlFrame{Action: action, Topic: topic})
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", action, err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, subscriberWriteTimeout)
	defer cancel()
	if err := s.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("send %s for topic %s: %w", action, topic, err)
	}
	return nil
}

func (s *wsSubscriber) Subscribe(ctx context.Context, topic string) error {
	return s.control(ctx, "subscribe", topic)
}

func (s *wsSubscriber) Unsubscribe(ctx context.Context, topic string) error {
	return s.control(ctx, "unsubscribe", topic)
}

func (s *wsSubscriber) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "closing")
}
