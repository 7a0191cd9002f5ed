package models

import (
	"time"

	"github.com/google/uuid"
)

// JointQuotaKey is the role slot used for sold-out flags of an event's joint quota.
const JointQuotaKey = "joint-quota"

// Quota is the ticket allotment of one role for an event.
type Quota struct {
	RoleID               string    `json:"role_id"`
	Weight               int       `json:"weight"`
	TotalTickets         int       `json:"total_tickets"`
	MaxPerUser           int       `json:"max_per_user"`
	PriceCents           int       `json:"price_cents"`
	RegistrationStartsAt time.Time `json:"registration_starts_at"`
	RegistrationEndsAt   time.Time `json:"registration_ends_at"`
}

// JointQuota caps registrations across all roles of an event.
type JointQuota struct {
	TotalTickets int `json:"total_tickets"`
}

// Event is the normalized ticketing configuration of an event.
type Event struct {
	ID             uuid.UUID   `json:"id"`
	Title          string      `json:"title"`
	Quotas         []Quota     `json:"quotas"`
	JointQuota     *JointQuota `json:"joint_quota,omitempty"`
	PickupRequired bool        `json:"pickup_required"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// QuotaFor returns the quota configured for roleID, or nil.
func (e *Event) QuotaFor(roleID string) *Quota {
	for i := range e.Quotas {
		if e.Quotas[i].RoleID == roleID {
			return &e.Quotas[i]
		}
	}
	return nil
}
