package registrations

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/guildhall/backend/internal/models"
	"github.com/guildhall/backend/internal/quota"
)

var (
	// ErrBatchNotFound is returned when no active batch matches.
	ErrBatchNotFound = errors.New("reservation not found")
	// ErrBatchExpired is returned when a payment is started on a lapsed hold.
	ErrBatchExpired = errors.New("reservation hold expired")
	// ErrBatchPaid is returned for operations that need an unpaid batch.
	ErrBatchPaid = errors.New("reservation already paid")
	// ErrPaymentPending is returned when a batch already has an open payment attempt.
	ErrPaymentPending = errors.New("payment already in progress")
	// ErrNoPendingPayment is returned when a payment result arrives for a batch without an open attempt.
	ErrNoPendingPayment = errors.New("no pending payment")
)

// CountQuery selects the occupancy counts for one reservation decision.
type CountQuery struct {
	EventID uuid.UUID
	RoleID  string
	UserID  uuid.UUID
	Now     time.Time
}

// Batch summarizes the active rows created by one reservation.
type Batch struct {
	ID               uuid.UUID
	EventID          uuid.UUID
	UserID           uuid.UUID
	RoleID           string
	Tickets          int
	ReservedUntil    time.Time
	PaymentCompleted bool
}

// Tx is the work a reservation may do while holding the reservation lock.
type Tx interface {
	Counts(ctx context.Context, q CountQuery) (quota.Counts, error)
	// PickupCodeTaken reports whether code belongs to a live registration or
	// to a concurrent transaction. A false result holds the code until the
	// transaction ends.
	PickupCodeTaken(ctx context.Context, code string) (bool, error)
	Insert(ctx context.Context, rows []models.Registration) error
	OpenPaymentAttempt(ctx context.Context, userID, batchID uuid.UUID, now time.Time) (*models.PaymentAttempt, error)
}
