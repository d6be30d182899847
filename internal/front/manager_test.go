package front

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatpipe/chatpipe/internal/registry"
)

// stubResolver serves registry records from a map.
type stubResolver struct {
	mu      sync.Mutex
	records map[string]*registry.Record
	err     error
}

func (r *stubResolver) Lookup(_ context.Context, roomID string) (*registry.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return r.records[roomID], nil
}

// stubSubConn records control traffic per endpoint.
type stubSubConn struct {
	mu         sync.Mutex
	subscribed []string
	unsubbed   []string
	closed     bool
	onClose    func()
}

func (c *stubSubConn) Subscribe(_ context.Context, topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = append(c.subscribed, topic)
	return nil
}

func (c *stubSubConn) Unsubscribe(_ context.Context, topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubbed = append(c.unsubbed, topic)
	return nil
}

func (c *stubSubConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type stubBridgeNet struct {
	mu    sync.Mutex
	dials int
	conns map[string]*stubSubConn
	err   error
}

func newStubBridgeNet() *stubBridgeNet {
	return &stubBridgeNet{conns: make(map[string]*stubSubConn)}
}

func (n *stubBridgeNet) dial(_ context.Context, endpoint string, _ BroadcastHandler, onClose func()) (SubConn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return nil, n.err
	}
	n.dials++
	c := &stubSubConn{onClose: onClose}
	n.conns[endpoint] = c
	return c, nil
}

func liveRecord(roomID, endpoint string) *registry.Record {
	now := time.Now()
	return &registry.Record{
		RoomID:        roomID,
		OwnerID:       "bridge-test",
		Endpoint:      endpoint,
		LastHeartbeat: now.Unix(),
		ExpiresAt:     now.Add(90 * time.Second).Unix(),
	}
}

func TestManagerSharesConnectionPerEndpoint(t *testing.T) {
	net := newStubBridgeNet()
	resolver := &stubResolver{records: map[string]*registry.Record{
		"1": liveRecord("1", "ws://bridge-a/broadcast"),
		"2": liveRecord("2", "ws://bridge-a/broadcast"),
	}}
	m := NewSubscriptionManager(resolver, net.dial, nil, "/topic/chat", time.Hour)

	ctx := context.Background()
	require.NoError(t, m.Subscribe(ctx, "1"))
	require.NoError(t, m.Subscribe(ctx, "2"))

	assert.Equal(t, 1, net.dials, "rooms on one bridge share a connection")
	conn := net.conns["ws://bridge-a/broadcast"]
	assert.Equal(t, []string{"/topic/chat/1", "/topic/chat/2"}, conn.subscribed)
}

func TestManagerSubscribeIdempotent(t *testing.T) {
	net := newStubBridgeNet()
	resolver := &stubResolver{records: map[string]*registry.Record{
		"1": liveRecord("1", "ws://bridge-a/broadcast"),
	}}
	m := NewSubscriptionManager(resolver, net.dial, nil, "/topic/chat", time.Hour)

	ctx := context.Background()
	require.NoError(t, m.Subscribe(ctx, "1"))
	require.NoError(t, m.Subscribe(ctx, "1"))

	conn := net.conns["ws://bridge-a/broadcast"]
	assert.Len(t, conn.subscribed, 1, "second subscribe must be a no-op")
}

func TestManagerLastUnsubscribeClosesConnection(t *testing.T) {
	net := newStubBridgeNet()
	resolver := &stubResolver{records: map[string]*registry.Record{
		"1": liveRecord("1", "ws://bridge-a/broadcast"),
		"2": liveRecord("2", "ws://bridge-a/broadcast"),
	}}
	m := NewSubscriptionManager(resolver, net.dial, nil, "/topic/chat", time.Hour)

	ctx := context.Background()
	require.NoError(t, m.Subscribe(ctx, "1"))
	require.NoError(t, m.Subscribe(ctx, "2"))

	conn := net.conns["ws://bridge-a/broadcast"]

	require.NoError(t, m.Unsubscribe(ctx, "1"))
	assert.False(t, conn.closed, "connection stays while another room uses it")

	require.NoError(t, m.Unsubscribe(ctx, "2"))
	assert.True(t, conn.closed, "last room out closes the connection")
	assert.Equal(t, []string{"/topic/chat/1", "/topic/chat/2"}, conn.unsubbed)
}

func TestManagerSubscribeWithoutBridgeKeepsDesire(t *testing.T) {
	net := newStubBridgeNet()
	resolver := &stubResolver{records: map[string]*registry.Record{}}
	m := NewSubscriptionManager(resolver, net.dial, nil, "/topic/chat", time.Hour)

	ctx := context.Background()
	assert.Error(t, m.Subscribe(ctx, "1"))
	assert.False(t, m.Subscribed("1"))

	// The bridge shows up later; reconcile attaches the room.
	resolver.mu.Lock()
	resolver.records["1"] = liveRecord("1", "ws://bridge-a/broadcast")
	resolver.mu.Unlock()

	m.Reconcile(ctx)
	assert.True(t, m.Subscribed("1"))
	assert.Equal(t, 1, net.dials)
}

func TestManagerReconcileAfterConnectionLoss(t *testing.T) {
	net := newStubBridgeNet()
	resolver := &stubResolver{records: map[string]*registry.Record{
		"1": liveRecord("1", "ws://bridge-a/broadcast"),
	}}
	m := NewSubscriptionManager(resolver, net.dial, nil, "/topic/chat", time.Hour)

	ctx := context.Background()
	require.NoError(t, m.Subscribe(ctx, "1"))
	require.True(t, m.Subscribed("1"))

	// The bridge dies and a replacement registers under a new endpoint.
	net.conns["ws://bridge-a/broadcast"].onClose()
	assert.False(t, m.Subscribed("1"))

	resolver.mu.Lock()
	resolver.records["1"] = liveRecord("1", "ws://bridge-b/broadcast")
	resolver.mu.Unlock()

	m.Reconcile(ctx)
	assert.True(t, m.Subscribed("1"))
	assert.Equal(t, []string{"/topic/chat/1"}, net.conns["ws://bridge-b/broadcast"].subscribed)
}

func TestManagerResolveError(t *testing.T) {
	net := newStubBridgeNet()
	resolver := &stubResolver{err: errors.New("redis down")}
	m := NewSubscriptionManager(resolver, net.dial, nil, "/topic/chat", time.Hour)

	err := m.Subscribe(context.Background(), "1")
	assert.ErrorContains(t, err, "redis down")
	assert.Zero(t, net.dials)
}
