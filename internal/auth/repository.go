package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/guildhall/backend/internal/models"
)

// Repository loads local user records and their role memberships.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an auth repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetUser returns the user with all role memberships, or nil when no local
// record exists. Memberships are ordered by grant time, then role id, so
// the resolver sees a stable order.
func (r *Repository) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	const q = `SELECT id, email, full_name, created_at, updated_at FROM users WHERE id = $1`
	var u models.User
	err := r.pool.QueryRow(ctx, q, id).Scan(&u.ID, &u.Email, &u.FullName, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	rows, err := r.pool.Query(ctx, `SELECT role_id, expires_at, granted_at FROM user_roles
		WHERE user_id = $1 ORDER BY granted_at, role_id`, id)
	if err != nil {
		return nil, fmt.Errorf("load roles: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m models.RoleMembership
		if err := rows.Scan(&m.RoleID, &m.ExpiresAt, &m.GrantedAt); err != nil {
			return nil, err
		}
		u.Roles = append(u.Roles, m)
	}
	return &u, rows.Err()
}
