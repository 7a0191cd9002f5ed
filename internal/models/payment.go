package models

import (
	"time"

	"github.com/google/uuid"
)

// PaymentStatus of a payment attempt.
const (
	PaymentStatusPending   = "pending"
	PaymentStatusCompleted = "completed"
	PaymentStatusFailed    = "failed"
	PaymentStatusExpired   = "expired"
)

// PaymentAttempt is an in-flight or finished payment for a reservation batch.
// While pending it keeps the batch counted toward occupancy past its hold.
type PaymentAttempt struct {
	ID        uuid.UUID `json:"id"`
	BatchID   uuid.UUID `json:"batch_id"`
	UserID    uuid.UUID `json:"user_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
