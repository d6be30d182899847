package front

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/chatpipe/chatpipe/internal/registry"
)

// DefaultReconcileInterval is how often the manager repairs lost
// subscriptions.
const DefaultReconcileInterval = 5 * time.Second

// Resolver looks up which bridge currently serves a room.
type Resolver interface {
	Lookup(ctx context.Context, roomID string) (*registry.Record, error)
}

// SubscriptionManager keeps one control connection per bridge endpoint
// and refcounts the room topics subscribed over each. When a bridge
// connection drops, the desired rooms stay recorded and the reconcile
// loop reattaches them against whatever endpoint the registry reports.
type SubscriptionManager struct {
	resolver    Resolver
	dial        SubDialer
	handler     BroadcastHandler
	topicPrefix string
	interval    time.Duration

	mu            sync.Mutex
	desired       map[string]struct{}            // rooms we must be subscribed to
	roomEndpoint  map[string]string              // room -> endpoint currently attached
	conns         map[string]SubConn             // endpoint -> control connection
	endpointRooms map[string]map[string]struct{} // endpoint -> attached rooms
}

// NewSubscriptionManager wires the manager. A nil dial uses DialBridge.
func NewSubscriptionManager(resolver Resolver, dial SubDialer, handler BroadcastHandler, topicPrefix string, interval time.Duration) *SubscriptionManager {
	if dial == nil {
		dial = DialBridge
	}
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	return &SubscriptionManager{
		resolver:      resolver,
		dial:          dial,
		handler:       handler,
		topicPrefix:   topicPrefix,
		interval:      interval,
		desired:       make(map[string]struct{}),
		roomEndpoint:  make(map[string]string),
		conns:         make(map[string]SubConn),
		endpointRooms: make(map[string]map[string]struct{}),
	}
}

// Topic returns the broadcast topic for a room.
func (m *SubscriptionManager) Topic(roomID string) string {
	return m.topicPrefix + "/" + roomID
}

// Subscribe records the room as desired and attaches it. When the
// registry has no live bridge yet the desire is kept and the reconcile
// loop retries; the returned error reports the immediate failure.
func (m *SubscriptionManager) Subscribe(ctx context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.desired[roomID] = struct{}{}
	return m.attachLocked(ctx, roomID)
}

// Unsubscribe drops the room. The last room on an endpoint closes its
// control connection.
func (m *SubscriptionManager) Unsubscribe(ctx context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.desired, roomID)

	endpoint, ok := m.roomEndpoint[roomID]
	if !ok {
		return nil
	}
	delete(m.roomEndpoint, roomID)
	delete(m.endpointRooms[endpoint], roomID)

	conn := m.conns[endpoint]
	if conn == nil {
		return nil
	}

	var err error
	if uerr := conn.Unsubscribe(ctx, m.Topic(roomID)); uerr != nil {
		err = fmt.Errorf("unsubscribe room %s: %w", roomID, uerr)
	}
	if len(m.endpointRooms[endpoint]) == 0 {
		delete(m.endpointRooms, endpoint)
		delete(m.conns, endpoint)
		if cerr := conn.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close bridge connection %s: %w", endpoint, cerr)
		}
	}
	return err
}

// Subscribed reports whether the room is currently attached to a bridge.
func (m *SubscriptionManager) Subscribed(roomID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.roomEndpoint[roomID]
	return ok
}

// Run reconciles desired rooms against live attachments until the
// context is cancelled.
func (m *SubscriptionManager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Reconcile(ctx)
		case <-ctx.Done():
			m.closeAll()
			return
		}
	}
}

// Reconcile reattaches every desired room that lost its bridge.
func (m *SubscriptionManager) Reconcile(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for roomID := range m.desired {
		if _, ok := m.roomEndpoint[roomID]; ok {
			continue
		}
		if err := m.attachLocked(ctx, roomID); err != nil {
			log.Printf("reconcile: room %s still unattached: %v", roomID, err)
		} else {
			log.Printf("reconcile: room %s resubscribed", roomID)
		}
	}
}

// attachLocked resolves the room's bridge and subscribes its topic.
// Caller holds m.mu.
func (m *SubscriptionManager) attachLocked(ctx context.Context, roomID string) error {
	if _, ok := m.roomEndpoint[roomID]; ok {
		return nil
	}

	rec, err := m.resolver.Lookup(ctx, roomID)
	if err != nil {
		return fmt.Errorf("resolve bridge for room %s: %w", roomID, err)
	}
	if rec == nil {
		return fmt.Errorf("no live bridge registered for room %s", roomID)
	}

	conn, ok := m.conns[rec.Endpoint]
	if !ok {
		endpoint := rec.Endpoint
		conn, err = m.dial(ctx, endpoint, m.handler, func() { m.dropEndpoint(endpoint) })
		if err != nil {
			return err
		}
		m.conns[endpoint] = conn
		m.endpointRooms[endpoint] = make(map[string]struct{})
	}

	if err := conn.Subscribe(ctx, m.Topic(roomID)); err != nil {
		return fmt.Errorf("subscribe room %s on %s: %w", roomID, rec.Endpoint, err)
	}
	m.roomEndpoint[roomID] = rec.Endpoint
	m.endpointRooms[rec.Endpoint][roomID] = struct{}{}
	return nil
}

// dropEndpoint forgets a dead bridge connection. Desired rooms stay
// recorded so Reconcile can reattach them.
func (m *SubscriptionManager) dropEndpoint(endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conns[endpoint]; !ok {
		return
	}
	delete(m.conns, endpoint)
	for roomID := range m.endpointRooms[endpoint] {
		delete(m.roomEndpoint, roomID)
	}
	delete(m.endpointRooms, endpoint)
	log.Printf("bridge %s lost, resubscribing on next reconcile", endpoint)
}

func (m *SubscriptionManager) closeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for endpoint, conn := range m.conns {
		if err := conn.Close(); err != nil {
			log.Printf("closing bridge connection %s: %v", endpoint, err)
		}
	}
	m.conns = make(map[string]SubConn)
	m.endpointRooms = make(map[string]map[string]struct{})
	m.roomEndpoint = make(map[string]string)
}
