// Package quota decides which ticket quota applies to a user and whether a
// requested amount fits it. Everything here is a pure function over a
// point-in-time snapshot; callers own the reads.
package quota

import "github.com/guildhall/backend/internal/models"

// ResolveTargetRole returns the highest-weight role among userRoles that has a
// quota in quotas. The accumulator starts at noRoleID with its configured
// weight (0 when it has no quota) and is replaced only by a strictly greater
// weight, so on ties the first role in userRoles wins.
func ResolveTargetRole(userRoles []string, quotas []models.Quota, noRoleID string) string {
	weights := make(map[string]int, len(quotas))
	for _, q := range quotas {
		if _, seen := weights[q.RoleID]; !seen {
			weights[q.RoleID] = q.Weight
		}
	}

	target, best := noRoleID, weights[noRoleID]
	for _, roleID := range userRoles {
		w, ok := weights[roleID]
		if !ok {
			continue
		}
		if w > best {
			target, best = roleID, w
		}
	}
	return target
}
