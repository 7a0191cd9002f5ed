package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/guildhall/backend/internal/models"
)

// ErrNotFound is returned when no event exists for the id.
var ErrNotFound = errors.New("event not found")

// Repository reads event ticketing configuration mirrored from the CMS.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an events repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get loads an event with its quotas and validates the result, so callers
// only ever see a well-formed configuration.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	const q = `SELECT id, title, joint_quota_enabled, joint_quota_total, pickup_required, created_at, updated_at
		FROM events WHERE id = $1`
	var (
		e            models.Event
		jointEnabled bool
		jointTotal   int
	)
	err := r.pool.QueryRow(ctx, q, id).Scan(&e.ID, &e.Title, &jointEnabled, &jointTotal, &e.PickupRequired, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load event: %w", err)
	}
	if jointEnabled {
		e.JointQuota = &models.JointQuota{TotalTickets: jointTotal}
	}

	rows, err := r.pool.Query(ctx, `SELECT role_id, weight, total_tickets, max_per_user, price_cents,
		registration_starts_at, registration_ends_at
		FROM event_ticket_quotas WHERE event_id = $1 ORDER BY position, role_id`, id)
	if err != nil {
		return nil, fmt.Errorf("load quotas: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var qt models.Quota
		if err := rows.Scan(&qt.RoleID, &qt.Weight, &qt.TotalTickets, &qt.MaxPerUser, &qt.PriceCents,
			&qt.RegistrationStartsAt, &qt.RegistrationEndsAt); err != nil {
			return nil, err
		}
		e.Quotas = append(e.Quotas, qt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := Validate(&e); err != nil {
		return nil, err
	}
	return &e, nil
}
