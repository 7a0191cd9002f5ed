package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	rediskeys "github.com/guildhall/backend/pkg/redis"
)

// QuotaAvailability is the public view of one quota.
type QuotaAvailability struct {
	RoleID               string    `json:"role_id"`
	TotalTickets         int       `json:"total_tickets"`
	Remaining            int       `json:"remaining"`
	MaxPerUser           int       `json:"max_per_user"`
	PriceCents           int       `json:"price_cents"`
	RegistrationStartsAt time.Time `json:"registration_starts_at"`
	RegistrationEndsAt   time.Time `json:"registration_ends_at"`
}

// Availability is the cached read view of an event's registrations. It may
// be stale; reservations re-check under the lock.
type Availability struct {
	EventID        uuid.UUID           `json:"event_id"`
	Quotas         []QuotaAvailability `json:"quotas"`
	JointRemaining *int                `json:"joint_remaining,omitempty"`
	ComputedAt     time.Time           `json:"computed_at"`
}

// AvailabilityKey is the Redis key of an event's cached availability.
func AvailabilityKey(eventID uuid.UUID) string {
	return rediskeys.Key("events", "availability", eventID.String())
}

// Cache stores availability views in Redis.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache creates an availability cache with the given entry lifetime.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// Get returns the cached view, or nil on a miss.
func (c *Cache) Get(ctx context.Context, eventID uuid.UUID) (*Availability, error) {
	raw, err := c.client.Get(ctx, AvailabilityKey(eventID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get availability: %w", err)
	}
	var a Availability
	if err := json.Unmarshal(raw, &a); err != nil {
		// A corrupt entry is a miss; the next Set overwrites it.
		return nil, nil
	}
	return &a, nil
}

// Set stores a view.
func (c *Cache) Set(ctx context.Context, a *Availability) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal availability: %w", err)
	}
	if err := c.client.Set(ctx, AvailabilityKey(a.EventID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("set availability: %w", err)
	}
	return nil
}

// Invalidate drops the cached view of eventID.
func (c *Cache) Invalidate(ctx context.Context, eventID uuid.UUID) error {
	if err := c.client.Del(ctx, AvailabilityKey(eventID)).Err(); err != nil {
		return fmt.Errorf("invalidate availability: %w", err)
	}
	return nil
}
