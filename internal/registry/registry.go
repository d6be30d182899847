// Package registry implements the room-ownership discovery registry: the
// bridge heartbeats one record per room it serves, and fronts look up
// which endpoint currently owns a room. Records carry their own expiry;
// an expired record reads as absent.
package registry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Record is one room-ownership entry.
type Record struct {
	RoomID        string
	OwnerID       string
	Endpoint      string
	LastHeartbeat int64 // epoch seconds
	ExpiresAt     int64 // epoch seconds
}

// Expired reports whether the record should be treated as absent.
func (r *Record) Expired(now time.Time) bool {
	return r.ExpiresAt <= now.Unix()
}

// Registry reads and writes ownership records in Redis, one hash per
// room id.
type Registry struct {
	client    *redis.Client
	keyPrefix string
}

// New builds a registry over an existing Redis client.
func New(client *redis.Client, keyPrefix string) *Registry {
	if keyPrefix == "" {
		keyPrefix = "chat:registry:"
	}
	return &Registry{client: client, keyPrefix: keyPrefix}
}

func (r *Registry) key(roomID string) string {
	return r.keyPrefix + roomID
}

// Upsert writes one room's record. The Redis key TTL is set to twice the
// record's logical lifetime as a safety net against abandoned entries;
// staleness is decided by the ExpiresAt field, not the key TTL.
func (r *Registry) Upsert(ctx context.Context, rec Record, ttl time.Duration) error {
	key := r.key(rec.RoomID)

	if err := r.client.HSet(ctx, key,
		"roomId", rec.RoomID,
		"ownerId", rec.OwnerID,
		"endpoint", rec.Endpoint,
		"lastHeartbeat", strconv.FormatInt(rec.LastHeartbeat, 10),
		"expiresAt", strconv.FormatInt(rec.ExpiresAt, 10),
	).Err(); err != nil {
		return fmt.Errorf("registry upsert room %s: %w", rec.RoomID, err)
	}

	if err := r.client.Expire(ctx, key, 2*ttl).Err(); err != nil {
		return fmt.Errorf("registry expire room %s: %w", rec.RoomID, err)
	}
	return nil
}

// Lookup returns the current owner record for a room, or nil when no
// live record exists. Expired records are treated as absent.
func (r *Registry) Lookup(ctx context.Context, roomID string) (*Record, error) {
	fields, err := r.client.HGetAll(ctx, r.key(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("registry lookup room %s: %w", roomID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	rec, err := ParseRecord(fields)
	if err != nil {
		return nil, fmt.Errorf("registry lookup room %s: %w", roomID, err)
	}
	if rec.Expired(time.Now()) {
		return nil, nil
	}
	return rec, nil
}

// ParseRecord converts a stored hash into a Record.
func ParseRecord(fields map[string]string) (*Record, error) {
	rec := &Record{
		RoomID:   fields["roomId"],
		OwnerID:  fields["ownerId"],
		Endpoint: fields["endpoint"],
	}
	if rec.Endpoint == "" {
		return nil, fmt.Errorf("record missing endpoint")
	}

	var err error
	if rec.LastHeartbeat, err = strconv.ParseInt(fields["lastHeartbeat"], 10, 64); err != nil {
		return nil, fmt.Errorf("record has bad lastHeartbeat %q", fields["lastHeartbeat"])
	}
	if rec.ExpiresAt, err = strconv.ParseInt(fields["expiresAt"], 10, 64); err != nil {
		return nil, fmt.Errorf("record has bad expiresAt %q", fields["expiresAt"])
	}
	return rec, nil
}
