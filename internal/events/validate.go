package events

import (
	"errors"
	"fmt"
	"strings"

	"github.com/guildhall/backend/internal/models"
)

// ErrInvalidConfig wraps every configuration problem found by Validate.
var ErrInvalidConfig = errors.New("invalid event configuration")

// Validate checks an event's ticketing configuration. Problems are joined
// into a single error wrapping ErrInvalidConfig.
func Validate(e *models.Event) error {
	var problems []string
	seen := make(map[string]bool, len(e.Quotas))
	for i, q := range e.Quotas {
		label := fmt.Sprintf("quota %d (%s)", i, q.RoleID)
		switch {
		case strings.TrimSpace(q.RoleID) == "":
			problems = append(problems, fmt.Sprintf("quota %d: empty role id", i))
		case seen[q.RoleID]:
			problems = append(problems, label+": duplicate role")
		}
		seen[q.RoleID] = true
		if q.Weight < 1 {
			problems = append(problems, label+": weight must be positive")
		}
		if q.TotalTickets < 0 {
			problems = append(problems, label+": negative total")
		}
		if q.MaxPerUser < 1 {
			problems = append(problems, label+": per-user cap must be at least 1")
		}
		if q.PriceCents < 0 {
			problems = append(problems, label+": negative price")
		}
		if !q.RegistrationStartsAt.Before(q.RegistrationEndsAt) {
			problems = append(problems, label+": registration window is empty")
		}
	}
	if e.JointQuota != nil && e.JointQuota.TotalTickets < 0 {
		problems = append(problems, "joint quota: negative total")
	}
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: event %s: %s", ErrInvalidConfig, e.ID, strings.Join(problems, "; "))
}
