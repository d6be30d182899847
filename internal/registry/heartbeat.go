package registry

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/chatpipe/chatpipe/internal/metrics"
)

// Heartbeat periodically re-registers every room this bridge can serve.
// A bridge that stops heartbeating disappears from discovery once its
// records expire.
type Heartbeat struct {
	registry *Registry
	ownerID  string
	endpoint string
	rooms    int
	interval time.Duration
	ttl      time.Duration
	mx       *metrics.Metrics
}

// NewHeartbeat wires a heartbeat for one bridge instance. endpoint is
// the reachable address fronts should connect their subscriptions to.
func NewHeartbeat(registry *Registry, ownerID, endpoint string, rooms int, interval, ttl time.Duration, mx *metrics.Metrics) *Heartbeat {
	return &Heartbeat{
		registry: registry,
		ownerID:  ownerID,
		endpoint: endpoint,
		rooms:    rooms,
		interval: interval,
		ttl:      ttl,
		mx:       mx,
	}
}

// Run registers immediately, then on every interval tick, until ctx is
// cancelled.
func (h *Heartbeat) Run(ctx context.Context) {
	log.Printf("heartbeat started: owner=%s endpoint=%s rooms=%d interval=%s",
		h.ownerID, h.endpoint, h.rooms, h.interval)

	h.registerAllRooms(ctx)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.registerAllRooms(ctx)
		case <-ctx.Done():
			log.Printf("heartbeat stopped")
			return
		}
	}
}

// registerAllRooms upserts every room's record concurrently; one room's
// failure never blocks the others.
func (h *Heartbeat) registerAllRooms(ctx context.Context) {
	now := time.Now()
	expiresAt := now.Add(h.ttl).Unix()

	var wg sync.WaitGroup
	var failed sync.Map

	for roomID := 1; roomID <= h.rooms; roomID++ {
		wg.Add(1)
		go func(room string) {
			defer wg.Done()
			rec := Record{
				RoomID:        room,
				OwnerID:       h.ownerID,
				Endpoint:      h.endpoint,
				LastHeartbeat: now.Unix(),
				ExpiresAt:     expiresAt,
			}
			if err := h.registry.Upsert(ctx, rec, h.ttl); err != nil {
				failed.Store(room, err)
				log.Printf("heartbeat: failed to register room %s: %v", room, err)
			}
		}(strconv.Itoa(roomID))
	}
	wg.Wait()

	anyFailed := false
	failed.Range(func(_, _ any) bool {
		anyFailed = true
		return false
	})
	if anyFailed && h.mx != nil {
		h.mx.HeartbeatFailures.Inc()
	}
}
