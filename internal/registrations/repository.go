package registrations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/guildhall/backend/config"
	"github.com/guildhall/backend/internal/models"
	"github.com/guildhall/backend/internal/quota"
	"github.com/guildhall/backend/pkg/metrics"
)

// occupying is the predicate for rows that count toward quota occupancy.
// The placeholder is the evaluation instant.
const occupying = `r.deleted_at IS NULL AND (
		r.payment_completed
		OR r.reserved_until >= %s
		OR EXISTS (SELECT 1 FROM payment_attempts p WHERE p.batch_id = r.batch_id AND p.status = 'pending'))`

func occupyingAt(placeholder string) string {
	return fmt.Sprintf(occupying, placeholder)
}

var registrationColumns = []string{
	"id", "event_id", "user_id", "role_id", "batch_id", "price_cents",
	"pickup_code", "payment_completed", "reserved_until", "created_at",
}

// querier is what pgxpool.Pool and pgx.Tx have in common.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Repository handles event_registrations and payment_attempts persistence.
type Repository struct {
	pool     *pgxpool.Pool
	lockMode string
}

// NewRepository creates a registrations repository. lockMode is
// config.LockModeTable or config.LockModeEvent.
func NewRepository(pool *pgxpool.Pool, lockMode string) *Repository {
	if lockMode == "" {
		lockMode = config.LockModeTable
	}
	return &Repository{pool: pool, lockMode: lockMode}
}

// LockStatement returns the SQL that serializes reservation transactions
// for the given lock mode, and whether it takes the event id argument.
func LockStatement(lockMode string) (string, bool) {
	if lockMode == config.LockModeEvent {
		return `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, true
	}
	return `LOCK TABLE event_registrations IN EXCLUSIVE MODE`, false
}

// PickupClaimStatement claims a candidate pickup code for the rest of the
// transaction. Under the per-event lock two events can draw the same code
// concurrently, so each candidate is claimed before it is probed. The try
// form never waits: a code held by another transaction counts as taken.
const PickupClaimStatement = `SELECT pg_try_advisory_xact_lock(hashtextextended('pickup:' || $1, 0))`

// WithLock runs fn inside a transaction that holds the reservation lock.
// The transaction commits only when fn returns nil; any error, including a
// rejection, rolls everything back.
func (r *Repository) WithLock(ctx context.Context, eventID uuid.UUID, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	start := time.Now()
	stmt, keyed := LockStatement(r.lockMode)
	if keyed {
		_, err = tx.Exec(ctx, stmt, eventID.String())
	} else {
		_, err = tx.Exec(ctx, stmt)
	}
	if err != nil {
		return fmt.Errorf("acquire reservation lock: %w", err)
	}
	metrics.LockWait.Observe(time.Since(start).Seconds())

	if err := fn(ctx, &lockedTx{tx: tx, claimCodes: keyed}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Counts reads occupancy without the lock. The result may be stale.
func (r *Repository) Counts(ctx context.Context, q CountQuery) (quota.Counts, error) {
	return counts(ctx, r.pool, q)
}

func counts(ctx context.Context, db querier, q CountQuery) (quota.Counts, error) {
	sql := `SELECT
			COUNT(*) FILTER (WHERE r.role_id = $2),
			COUNT(*),
			COUNT(*) FILTER (WHERE r.role_id = $2 AND r.user_id = $3)
		FROM event_registrations r
		WHERE r.event_id = $1 AND ` + occupyingAt("$4")
	var c quota.Counts
	if err := db.QueryRow(ctx, sql, q.EventID, q.RoleID, q.UserID, q.Now).Scan(&c.Role, &c.Joint, &c.User); err != nil {
		return quota.Counts{}, fmt.Errorf("count registrations: %w", err)
	}
	return c, nil
}

// OccupancyByRole returns occupancy-counted rows per role for an event.
func (r *Repository) OccupancyByRole(ctx context.Context, eventID uuid.UUID, now time.Time) (map[string]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT r.role_id, COUNT(*) FROM event_registrations r
		WHERE r.event_id = $1 AND `+occupyingAt("$2")+` GROUP BY r.role_id`, eventID, now)
	if err != nil {
		return nil, fmt.Errorf("occupancy by role: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var role string
		var n int
		if err := rows.Scan(&role, &n); err != nil {
			return nil, err
		}
		out[role] = n
	}
	return out, rows.Err()
}

// ListForUser returns the user's occupancy-counted rows for an event, oldest first.
func (r *Repository) ListForUser(ctx context.Context, eventID, userID uuid.UUID, now time.Time) ([]models.Registration, error) {
	rows, err := r.pool.Query(ctx, `SELECT r.id, r.event_id, r.user_id, r.role_id, r.batch_id, r.price_cents,
			r.pickup_code, r.payment_completed, r.reserved_until, r.deleted_at, r.created_at
		FROM event_registrations r
		WHERE r.event_id = $1 AND r.user_id = $2 AND `+occupyingAt("$3")+`
		ORDER BY r.created_at, r.id`, eventID, userID, now)
	if err != nil {
		return nil, fmt.Errorf("list registrations: %w", err)
	}
	defer rows.Close()
	var list []models.Registration
	for rows.Next() {
		var reg models.Registration
		if err := rows.Scan(&reg.ID, &reg.EventID, &reg.UserID, &reg.RoleID, &reg.BatchID, &reg.PriceCents,
			&reg.PickupCode, &reg.PaymentCompleted, &reg.ReservedUntil, &reg.DeletedAt, &reg.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, reg)
	}
	return list, rows.Err()
}

// GetBatch summarizes the active rows of a batch.
func (r *Repository) GetBatch(ctx context.Context, batchID uuid.UUID) (*Batch, error) {
	return getBatch(ctx, r.pool, batchID)
}

func getBatch(ctx context.Context, db querier, batchID uuid.UUID) (*Batch, error) {
	const q = `SELECT event_id, user_id, role_id, COUNT(*), MIN(reserved_until), BOOL_AND(payment_completed)
		FROM event_registrations
		WHERE batch_id = $1 AND deleted_at IS NULL
		GROUP BY event_id, user_id, role_id`
	b := Batch{ID: batchID}
	err := db.QueryRow(ctx, q, batchID).Scan(&b.EventID, &b.UserID, &b.RoleID, &b.Tickets, &b.ReservedUntil, &b.PaymentCompleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load batch: %w", err)
	}
	return &b, nil
}

// CancelBatch soft-deletes the user's unpaid batch and closes any open
// payment attempt for it.
func (r *Repository) CancelBatch(ctx context.Context, userID, batchID uuid.UUID, now time.Time) (*Batch, error) {
	var batch *Batch
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		b, err := getBatch(ctx, tx, batchID)
		if err != nil {
			return err
		}
		if b.UserID != userID {
			return ErrBatchNotFound
		}
		if b.PaymentCompleted {
			return ErrBatchPaid
		}
		if _, err := tx.Exec(ctx, `UPDATE event_registrations SET deleted_at = $2
			WHERE batch_id = $1 AND deleted_at IS NULL AND payment_completed = FALSE`, batchID, now); err != nil {
			return fmt.Errorf("cancel registrations: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE payment_attempts SET status = $2, updated_at = $3
			WHERE batch_id = $1 AND status = 'pending'`, batchID, models.PaymentStatusExpired, now); err != nil {
			return fmt.Errorf("close payment attempts: %w", err)
		}
		batch = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// ClosePaymentAttempt records the payment collaborator's verdict for a
// batch. A completed payment marks the batch's active rows paid.
func (r *Repository) ClosePaymentAttempt(ctx context.Context, batchID uuid.UUID, status string, now time.Time) (*Batch, error) {
	var batch *Batch
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE payment_attempts SET status = $2, updated_at = $3
			WHERE batch_id = $1 AND status = 'pending'`, batchID, status, now)
		if err != nil {
			return fmt.Errorf("close payment attempt: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNoPendingPayment
		}
		if status == models.PaymentStatusCompleted {
			if _, err := tx.Exec(ctx, `UPDATE event_registrations SET payment_completed = TRUE
				WHERE batch_id = $1 AND deleted_at IS NULL`, batchID); err != nil {
				return fmt.Errorf("mark paid: %w", err)
			}
		}
		b, err := getBatch(ctx, tx, batchID)
		if err != nil {
			return err
		}
		batch = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// lockedTx is the Tx handed to WithLock callbacks.
type lockedTx struct {
	tx pgx.Tx
	// claimCodes is set when the lock does not cover other events.
	claimCodes bool
}

func (t *lockedTx) Counts(ctx context.Context, q CountQuery) (quota.Counts, error) {
	return counts(ctx, t.tx, q)
}

func (t *lockedTx) PickupCodeTaken(ctx context.Context, code string) (bool, error) {
	if t.claimCodes {
		var claimed bool
		if err := t.tx.QueryRow(ctx, PickupClaimStatement, code).Scan(&claimed); err != nil {
			return false, fmt.Errorf("claim pickup code: %w", err)
		}
		if !claimed {
			return true, nil
		}
	}
	var taken bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM event_registrations
		WHERE pickup_code = $1 AND deleted_at IS NULL)`, code).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("probe pickup code: %w", err)
	}
	return taken, nil
}

func (t *lockedTx) Insert(ctx context.Context, rows []models.Registration) error {
	if len(rows) == 0 {
		return nil
	}
	n, err := t.tx.CopyFrom(ctx, pgx.Identifier{"event_registrations"}, registrationColumns,
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			r := rows[i]
			return []any{r.ID, r.EventID, r.UserID, r.RoleID, r.BatchID, r.PriceCents,
				r.PickupCode, r.PaymentCompleted, r.ReservedUntil, r.CreatedAt}, nil
		}))
	if err != nil {
		return fmt.Errorf("insert registrations: %w", err)
	}
	if int(n) != len(rows) {
		return fmt.Errorf("insert registrations: wrote %d of %d rows", n, len(rows))
	}
	return nil
}

func (t *lockedTx) OpenPaymentAttempt(ctx context.Context, userID, batchID uuid.UUID, now time.Time) (*models.PaymentAttempt, error) {
	b, err := getBatch(ctx, t.tx, batchID)
	if err != nil {
		return nil, err
	}
	if b.UserID != userID {
		return nil, ErrBatchNotFound
	}
	if b.PaymentCompleted {
		return nil, ErrBatchPaid
	}
	if b.ReservedUntil.Before(now) {
		return nil, ErrBatchExpired
	}
	var pending bool
	if err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payment_attempts
		WHERE batch_id = $1 AND status = 'pending')`, batchID).Scan(&pending); err != nil {
		return nil, fmt.Errorf("probe payment attempts: %w", err)
	}
	if pending {
		return nil, ErrPaymentPending
	}
	p := models.PaymentAttempt{
		ID:        uuid.New(),
		BatchID:   batchID,
		UserID:    userID,
		Status:    models.PaymentStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := t.tx.Exec(ctx, `INSERT INTO payment_attempts (id, batch_id, user_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)`, p.ID, batchID, userID, p.Status, now); err != nil {
		return nil, fmt.Errorf("insert payment attempt: %w", err)
	}
	return &p, nil
}
