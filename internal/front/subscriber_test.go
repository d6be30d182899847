package front

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatpipe/chatpipe/internal/bridge"
	"github.com/chatpipe/chatpipe/internal/model"
)

// fakeBridgeServer accepts one websocket connection, records received
// control frames, and pushes whatever the test hands to send.
type fakeBridgeServer struct {
	ts   *httptest.Server
	send chan []byte

	mu     sync.Mutex
	frames []bridge.ControlFrame
}

func newFakeBridgeServer(t *testing.T) *fakeBridgeServer {
	t.Helper()
	s := &fakeBridgeServer{send: make(chan []byte, 8)}
	s.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		require.NoError(t, err)

		go func() {
			for {
				_, data, err := conn.Read(r.Context())
				if err != nil {
					return
				}
				var frame bridge.ControlFrame
				if json.Unmarshal(data, &frame) == nil {
					s.mu.Lock()
					s.frames = append(s.frames, frame)
					s.mu.Unlock()
				}
			}
		}()

		for data := range s.send {
			if err := conn.Write(r.Context(), websocket.MessageText, data); err != nil {
				return
			}
		}
		conn.Close(websocket.StatusNormalClosure, "done")
	}))
	t.Cleanup(s.ts.Close)
	return s
}

func (s *fakeBridgeServer) url() string {
	return "ws" + strings.TrimPrefix(s.ts.URL, "http")
}

func (s *fakeBridgeServer) controlFrames() []bridge.ControlFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bridge.ControlFrame(nil), s.frames...)
}

func TestDialBridgeDeliversBroadcasts(t *testing.T) {
	srv := newFakeBridgeServer(t)

	var (
		mu       sync.Mutex
		received []*model.BroadcastMessage
	)
	handler := func(_ string, bm *model.BroadcastMessage) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, bm)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub, err := DialBridge(ctx, srv.url(), handler, nil)
	require.NoError(t, err)
	defer sub.Close()

	bm := &model.BroadcastMessage{
		ChatMessage:        chatMessage("2"),
		BroadcastTimestamp: time.Now().UTC(),
		RoomID:             "2",
	}
	data, err := json.Marshal(bridge.BroadcastFrame{Topic: "/topic/chat/2", Broadcast: bm})
	require.NoError(t, err)

	// A malformed frame and an empty one must be skipped without
	// killing the read loop; the real broadcast behind them arrives.
	srv.send <- []byte("{not json")
	srv.send <- []byte(`{"topic":"/topic/chat/2","broadcast":null}`)
	srv.send <- data

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	require.Len(t, received, 1)
	assert.Equal(t, "2", received[0].RoomID)
	assert.Equal(t, bm.ChatMessage.MessageID, received[0].ChatMessage.MessageID)
	mu.Unlock()
}

func TestDialBridgeSendsControlFramesAndSignalsClose(t *testing.T) {
	srv := newFakeBridgeServer(t)

	closed := make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub, err := DialBridge(ctx, srv.url(), func(string, *model.BroadcastMessage) {}, func() {
		close(closed)
	})
	require.NoError(t, err)

	require.NoError(t, sub.Subscribe(ctx, "/topic/chat/3"))
	require.NoError(t, sub.Unsubscribe(ctx, "/topic/chat/3"))

	assert.Eventually(t, func() bool {
		frames := srv.controlFrames()
		return len(frames) == 2 &&
			frames[0] == bridge.ControlFrame{Action: "subscribe", Topic: "/topic/chat/3"} &&
			frames[1] == bridge.ControlFrame{Action: "unsubscribe", Topic: "/topic/chat/3"}
	}, 5*time.Second, 10*time.Millisecond)

	// Server-side close ends the read loop and fires onClose.
	close(srv.send)
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("read loop never signaled its close callback")
	}
}
