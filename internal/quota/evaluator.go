package quota

import (
	"time"

	"github.com/guildhall/backend/internal/models"
)

// Reason is a stable rejection code. The empty Reason means the request fits.
type Reason string

const (
	OK                             Reason = ""
	ReasonRoleNotFound             Reason = "role_not_found"
	ReasonRegistrationNotYetOpen   Reason = "registration_not_open"
	ReasonRegistrationClosed       Reason = "registration_closed"
	ReasonRoleSoldOut              Reason = "role_sold_out"
	ReasonJointQuotaSoldOut        Reason = "joint_quota_sold_out"
	ReasonUserCapReached           Reason = "user_cap_reached"
	ReasonUserCapExceededByRequest Reason = "user_cap_exceeded"
	ReasonInsufficientTickets      Reason = "insufficient_remaining_tickets"
)

// Counts is the occupancy seen at one instant.
type Counts struct {
	Role  int // occupancy-counted rows for (event, role)
	Joint int // occupancy-counted rows for the event across all roles
	User  int // the requesting user's occupancy-counted rows for (event, role)
}

// Input is everything Evaluate needs. Quota is nil when the resolved role
// has no quota; Joint is nil when the event has no joint quota.
type Input struct {
	Quota  *models.Quota
	Joint  *models.JointQuota
	Counts Counts
	Amount int
	Now    time.Time
}

// Evaluate applies the availability rules in precedence order and returns
// the first one that fails.
func Evaluate(in Input) Reason {
	q := in.Quota
	if q == nil {
		return ReasonRoleNotFound
	}
	if in.Now.Before(q.RegistrationStartsAt) {
		return ReasonRegistrationNotYetOpen
	}
	if !in.Now.Before(q.RegistrationEndsAt) {
		return ReasonRegistrationClosed
	}
	if in.Counts.Role >= q.TotalTickets {
		return ReasonRoleSoldOut
	}
	if in.Joint != nil && in.Counts.Joint >= in.Joint.TotalTickets {
		return ReasonJointQuotaSoldOut
	}
	if in.Counts.User >= q.MaxPerUser {
		return ReasonUserCapReached
	}
	if in.Amount+in.Counts.User > q.MaxPerUser {
		return ReasonUserCapExceededByRequest
	}
	if in.Amount > Remaining(q, in.Joint, in.Counts) {
		return ReasonInsufficientTickets
	}
	return OK
}

// Remaining is the number of tickets a request may still take: the joint
// pool's remainder when a joint quota is enabled, else the role's.
func Remaining(q *models.Quota, joint *models.JointQuota, c Counts) int {
	if joint != nil {
		return joint.TotalTickets - c.Joint
	}
	return q.TotalTickets - c.Role
}

// Filled reports which pools are exhausted at counts c.
func Filled(q *models.Quota, joint *models.JointQuota, c Counts) (role, jointFull bool) {
	role = c.Role >= q.TotalTickets
	jointFull = joint != nil && c.Joint >= joint.TotalTickets
	return role, jointFull
}

// Add returns c with amount new rows of the same role and user.
func (c Counts) Add(amount int) Counts {
	return Counts{Role: c.Role + amount, Joint: c.Joint + amount, User: c.User + amount}
}
