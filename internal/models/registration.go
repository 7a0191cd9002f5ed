package models

import (
	"time"

	"github.com/google/uuid"
)

// Registration is one reserved ticket. Rows created by the same reservation
// share a BatchID and, for pickup events, a PickupCode.
type Registration struct {
	ID               uuid.UUID  `json:"id"`
	EventID          uuid.UUID  `json:"event_id"`
	UserID           uuid.UUID  `json:"user_id"`
	RoleID           string     `json:"role_id"`
	BatchID          uuid.UUID  `json:"batch_id"`
	PriceCents       int        `json:"price_cents"`
	PickupCode       *string    `json:"pickup_code,omitempty"`
	PaymentCompleted bool       `json:"payment_completed"`
	ReservedUntil    time.Time  `json:"reserved_until"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// IsOccupying reports whether the row counts toward quota occupancy at t.
// pendingPayment is true when the row's batch has an open payment attempt.
func (r *Registration) IsOccupying(t time.Time, pendingPayment bool) bool {
	if r.DeletedAt != nil {
		return false
	}
	return r.PaymentCompleted || !r.ReservedUntil.Before(t) || pendingPayment
}
