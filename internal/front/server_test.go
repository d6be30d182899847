package front

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatpipe/chatpipe/internal/metrics"
	"github.com/chatpipe/chatpipe/internal/model"
)

type captureEnqueuer struct {
	mu   sync.Mutex
	msgs []*model.ChatMessage
}

func (e *captureEnqueuer) PublishChat(_ context.Context, _ string, msg *model.ChatMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	copied := *msg
	e.msgs = append(e.msgs, &copied)
	return nil
}

func (e *captureEnqueuer) snapshot() []*model.ChatMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*model.ChatMessage(nil), e.msgs...)
}

type stubSubs struct {
	mu     sync.Mutex
	subs   []string
	unsubs []string
}

func (s *stubSubs) Subscribe(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, roomID)
	return nil
}

func (s *stubSubs) Unsubscribe(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubs = append(s.unsubs, roomID)
	return nil
}

func chatMessage(roomID string) *model.ChatMessage {
	return &model.ChatMessage{
		UserID:      "5",
		RoomID:      roomID,
		MessageID:   uuid.NewString(),
		Username:    "XYZ5",
		Message:     "hello room",
		Timestamp:   time.Now().UTC(),
		MessageType: model.TypeText,
	}
}

// dialRoom opens a real websocket against the test server.
func dialRoom(t *testing.T, ts *httptest.Server, roomID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/chat/" + roomID
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	return conn
}

func sendAndReadAck(t *testing.T, conn *websocket.Conn, msg *model.ChatMessage) *model.ResponseMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))

	_, raw, err := conn.Read(ctx)
	require.NoError(t, err)

	var resp model.ResponseMessage
	require.NoError(t, json.Unmarshal(raw, &resp))
	return &resp
}

func TestServeChatAcceptsAndAcks(t *testing.T) {
	enq := &captureEnqueuer{}
	srv := NewServer(enq, &stubSubs{}, 10, metrics.New("test"))
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	conn := dialRoom(t, ts, "3")
	defer conn.Close(websocket.StatusNormalClosure, "done")

	msg := chatMessage("3")
	resp := sendAndReadAck(t, conn, msg)

	assert.Equal(t, "RECEIVED", resp.Status)
	assert.Empty(t, resp.Error)
	require.NotNil(t, resp.Echo)
	assert.Equal(t, msg.MessageID, resp.Echo.MessageID)
	assert.Equal(t, msg.MessageType, resp.Echo.MessageType)

	enqueued := enq.snapshot()
	require.Len(t, enqueued, 1)
	assert.Equal(t, msg.MessageID, enqueued[0].MessageID)
}

func TestServeChatRejectsInvalidMessage(t *testing.T) {
	enq := &captureEnqueuer{}
	srv := NewServer(enq, &stubSubs{}, 10, metrics.New("test"))
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	conn := dialRoom(t, ts, "3")
	defer conn.Close(websocket.StatusNormalClosure, "done")

	msg := chatMessage("3")
	msg.Username = "??"
	resp := sendAndReadAck(t, conn, msg)

	assert.Equal(t, "ERROR", resp.Status)
	assert.Contains(t, resp.Error, "username")
	assert.Empty(t, enq.snapshot())
}

func TestServeChatRejectsCrossRoomMessage(t *testing.T) {
	enq := &captureEnqueuer{}
	srv := NewServer(enq, &stubSubs{}, 10, metrics.New("test"))
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	conn := dialRoom(t, ts, "3")
	defer conn.Close(websocket.StatusNormalClosure, "done")

	resp := sendAndReadAck(t, conn, chatMessage("4"))
	assert.Equal(t, "ERROR", resp.Status)
	assert.Contains(t, resp.Error, "addressed to room 4")
	assert.Empty(t, enq.snapshot())
}

func TestServeChatSanitizesMarkup(t *testing.T) {
	enq := &captureEnqueuer{}
	srv := NewServer(enq, &stubSubs{}, 10, metrics.New("test"))
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	conn := dialRoom(t, ts, "3")
	defer conn.Close(websocket.StatusNormalClosure, "done")

	msg := chatMessage("3")
	msg.Message = `hello <script>alert("x")</script>world`
	resp := sendAndReadAck(t, conn, msg)
	require.Equal(t, "RECEIVED", resp.Status)

	enqueued := enq.snapshot()
	require.Len(t, enqueued, 1)
	assert.NotContains(t, enqueued[0].Message, "<script>")
	assert.Contains(t, enqueued[0].Message, "hello")
}

func TestServeChatUnknownRoomRejected(t *testing.T) {
	srv := NewServer(&captureEnqueuer{}, &stubSubs{}, 10, metrics.New("test"))
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/chat/99"
	_, _, err := websocket.Dial(ctx, url, nil)
	assert.Error(t, err, "room beyond the limit must refuse the upgrade")
}

func TestServeChatSubscribesOnFirstAndUnsubscribesOnLast(t *testing.T) {
	subs := &stubSubs{}
	srv := NewServer(&captureEnqueuer{}, subs, 10, metrics.New("test"))
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	first := dialRoom(t, ts, "2")
	second := dialRoom(t, ts, "2")

	require.Eventually(t, func() bool {
		subs.mu.Lock()
		defer subs.mu.Unlock()
		return len(subs.subs) == 1 && subs.subs[0] == "2"
	}, 5*time.Second, 10*time.Millisecond, "only the first connection subscribes")

	require.NoError(t, second.Close(websocket.StatusNormalClosure, "done"))
	time.Sleep(100 * time.Millisecond)
	subs.mu.Lock()
	assert.Empty(t, subs.unsubs, "room still has a connection")
	subs.mu.Unlock()

	require.NoError(t, first.Close(websocket.StatusNormalClosure, "done"))
	require.Eventually(t, func() bool {
		subs.mu.Lock()
		defer subs.mu.Unlock()
		return len(subs.unsubs) == 1 && subs.unsubs[0] == "2"
	}, 5*time.Second, 10*time.Millisecond, "last connection out unsubscribes")
}
