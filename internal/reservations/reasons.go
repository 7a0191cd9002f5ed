package reservations

import (
	"errors"
	"net/http"

	"github.com/guildhall/backend/internal/quota"
)

// Rejections decided at the request boundary, before any quota is evaluated.
const (
	ReasonInvalidAmount quota.Reason = "invalid_amount"
	ReasonInvalidEvent  quota.Reason = "invalid_event"
	ReasonUnauthorized  quota.Reason = "unauthorized"
	ReasonEventNotFound quota.Reason = "event_not_found"
	ReasonStaleRole     quota.Reason = "stale_role"
)

var (
	// ErrMissingBaselineRole means a local user lacks the role every user is
	// provisioned with. That is a data integrity fault, not a user error.
	ErrMissingBaselineRole = errors.New("user is missing the baseline role")
	// ErrPickupCodeExhausted means no free pickup code was found within the attempt budget.
	ErrPickupCodeExhausted = errors.New("pickup code space exhausted")
	// ErrInvalidPaymentStatus is returned for a payment verdict that is not final.
	ErrInvalidPaymentStatus = errors.New("invalid payment status")
)

// Rejection aborts the locked transaction with a user-facing reason.
type Rejection struct {
	Reason quota.Reason
}

func (r *Rejection) Error() string {
	return "reservation rejected: " + string(r.Reason)
}

var messages = map[quota.Reason]string{
	quota.ReasonRoleNotFound:             "There are no tickets for your role at this event",
	quota.ReasonRegistrationNotYetOpen:   "Registration has not opened yet",
	quota.ReasonRegistrationClosed:       "Registration is closed",
	quota.ReasonRoleSoldOut:              "Tickets for your role are sold out",
	quota.ReasonJointQuotaSoldOut:        "The event is sold out",
	quota.ReasonUserCapReached:           "You already hold the maximum number of tickets",
	quota.ReasonUserCapExceededByRequest: "That many tickets would exceed your limit",
	quota.ReasonInsufficientTickets:      "Not enough tickets left",
	ReasonInvalidAmount:                  "Ticket amount is out of range",
	ReasonInvalidEvent:                   "Invalid event",
	ReasonUnauthorized:                   "Unauthorized",
	ReasonEventNotFound:                  "Event not found",
	ReasonStaleRole:                      "Your ticket role has changed, please reload",
}

// Message returns the human-readable text for a rejection reason.
func Message(r quota.Reason) string {
	if m, ok := messages[r]; ok {
		return m
	}
	return string(r)
}

// Status maps a rejection reason to its HTTP status.
func Status(r quota.Reason) int {
	switch r {
	case ReasonInvalidAmount, ReasonInvalidEvent:
		return http.StatusBadRequest
	case ReasonUnauthorized:
		return http.StatusUnauthorized
	case ReasonEventNotFound, quota.ReasonRoleNotFound:
		return http.StatusNotFound
	case quota.ReasonRegistrationNotYetOpen, quota.ReasonRegistrationClosed:
		return http.StatusForbidden
	default:
		return http.StatusConflict
	}
}
