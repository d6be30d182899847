// Package front serves the client-facing chat websocket, validates and
// enqueues incoming messages, and fans broadcasts from the bridge back
// out to every connection in a room.
package front

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"
)

const broadcastWriteTimeout = 10 * time.Second

// ClientConn is the per-connection write surface the fan-out needs.
type ClientConn interface {
	Write(ctx context.Context, data []byte) error
	Close() error
}

// RoomSessions tracks the open client connections per room. Add reports
// whether the connection is the room's first, Remove whether it was the
// last, so the caller can manage the room's upstream subscription.
type RoomSessions struct {
	mu    sync.Mutex
	rooms map[string]map[ClientConn]struct{}
}

func NewRoomSessions() *RoomSessions {
	return &RoomSessions{rooms: make(map[string]map[ClientConn]struct{})}
}

// Add registers a connection under a room.
func (rs *RoomSessions) Add(roomID string, conn ClientConn) (first bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	set, ok := rs.rooms[roomID]
	if !ok {
		set = make(map[ClientConn]struct{})
		rs.rooms[roomID] = set
	}
	set[conn] = struct{}{}
	return len(set) == 1
}

// Remove drops a connection from a room. Removing a connection that was
// never added is a no-op and never reports last.
func (rs *RoomSessions) Remove(roomID string, conn ClientConn) (last bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	set, ok := rs.rooms[roomID]
	if !ok {
		return false
	}
	if _, ok := set[conn]; !ok {
		return false
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(rs.rooms, roomID)
		return true
	}
	return false
}

// Count returns the number of open connections in a room.
func (rs *RoomSessions) Count(roomID string) int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.rooms[roomID])
}

// Broadcast serializes the payload once and writes it to every
// connection in the room. One slow or dead connection never blocks the
// rest; it is counted as a failure and left for its reader to reap.
func (rs *RoomSessions) Broadcast(ctx context.Context, roomID string, payload any) (success, failure int) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("room %s: failed to encode broadcast: %v", roomID, err)
		return 0, rs.Count(roomID)
	}

	rs.mu.Lock()
	conns := make([]ClientConn, 0, len(rs.rooms[roomID]))
	for c := range rs.rooms[roomID] {
		conns = append(conns, c)
	}
	rs.mu.Unlock()

	for _, c := range conns {
		writeCtx, cancel := context.WithTimeout(ctx, broadcastWriteTimeout)
		err := c.Write(writeCtx, data)
		cancel()
		if err != nil {
			failure++
			continue
		}
		success++
	}
	return success, failure
}
