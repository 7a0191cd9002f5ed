package models

import (
	"time"

	"github.com/google/uuid"
)

// NoRole is the reserved role identifier of the default ticket quota that
// applies when none of the user's roles has a quota of its own.
const NoRole = "no-role"

// RoleMembership is a user's membership in a role. A nil ExpiresAt never expires.
type RoleMembership struct {
	RoleID    string     `json:"role_id"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	GrantedAt time.Time  `json:"granted_at"`
}

// ActiveAt reports whether the membership is still valid at t.
func (m RoleMembership) ActiveAt(t time.Time) bool {
	return m.ExpiresAt == nil || m.ExpiresAt.After(t)
}

// User is the local record of an identity-provider user together with
// the role memberships that were active when it was loaded.
type User struct {
	ID        uuid.UUID        `json:"id"`
	Email     string           `json:"email"`
	FullName  string           `json:"full_name"`
	Roles     []RoleMembership `json:"roles"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// ActiveRoleIDs returns the role identifiers of memberships active at t,
// in membership order.
func (u *User) ActiveRoleIDs(t time.Time) []string {
	ids := make([]string, 0, len(u.Roles))
	for _, m := range u.Roles {
		if m.ActiveAt(t) {
			ids = append(ids, m.RoleID)
		}
	}
	return ids
}

// HasRole reports whether the user holds roleID at t.
func (u *User) HasRole(roleID string, t time.Time) bool {
	for _, m := range u.Roles {
		if m.RoleID == roleID && m.ActiveAt(t) {
			return true
		}
	}
	return false
}
