// Package soldout writes and reads the short-lived sold-out flags that let
// the request boundary turn away attempts for exhausted quotas without
// touching the database. Flags are advisory; the locked transaction remains
// the authority.
package soldout

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	rediskeys "github.com/guildhall/backend/pkg/redis"
)

// DefaultTTL is how long a sold-out flag lives.
const DefaultTTL = 3 * time.Minute

// Key returns the flag key for an event's role, or models.JointQuotaKey for the joint pool.
func Key(eventID uuid.UUID, slot string) string {
	return rediskeys.Key("soldout", eventID.String(), slot)
}

// Flags is the Redis-backed flag store.
type Flags struct {
	client *redis.Client
	ttl    time.Duration
}

// NewFlags creates a flag store. ttl <= 0 uses DefaultTTL.
func NewFlags(client *redis.Client, ttl time.Duration) *Flags {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Flags{client: client, ttl: ttl}
}

// Set marks slot of eventID as sold out for the flag TTL.
func (f *Flags) Set(ctx context.Context, eventID uuid.UUID, slot string) error {
	if err := f.client.Set(ctx, Key(eventID, slot), "1", f.ttl).Err(); err != nil {
		return fmt.Errorf("set sold-out flag: %w", err)
	}
	return nil
}

// IsSoldOut reports whether a live flag exists for slot.
func (f *Flags) IsSoldOut(ctx context.Context, eventID uuid.UUID, slot string) (bool, error) {
	n, err := f.client.Exists(ctx, Key(eventID, slot)).Result()
	if err != nil {
		return false, fmt.Errorf("check sold-out flag: %w", err)
	}
	return n > 0, nil
}

// Clear removes the flags of the given slots.
func (f *Flags) Clear(ctx context.Context, eventID uuid.UUID, slots ...string) error {
	if len(slots) == 0 {
		return nil
	}
	keys := make([]string, len(slots))
	for i, s := range slots {
		keys[i] = Key(eventID, s)
	}
	if err := f.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("clear sold-out flags: %w", err)
	}
	return nil
}
