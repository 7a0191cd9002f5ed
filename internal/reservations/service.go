// Package reservations runs the reservation transaction: it resolves the
// caller's ticket role, evaluates availability against a fresh snapshot under
// the reservation lock, and writes the batch of registration rows. It also
// owns the operations that change a batch afterwards (cancel, payment).
package reservations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/guildhall/backend/config"
	"github.com/guildhall/backend/internal/events"
	"github.com/guildhall/backend/internal/models"
	"github.com/guildhall/backend/internal/quota"
	"github.com/guildhall/backend/internal/registrations"
	"github.com/guildhall/backend/internal/soldout"
	"github.com/guildhall/backend/pkg/metrics"
)

// Store is the registration persistence the service needs.
type Store interface {
	WithLock(ctx context.Context, eventID uuid.UUID, fn func(ctx context.Context, tx registrations.Tx) error) error
	Counts(ctx context.Context, q registrations.CountQuery) (quota.Counts, error)
	OccupancyByRole(ctx context.Context, eventID uuid.UUID, now time.Time) (map[string]int, error)
	ListForUser(ctx context.Context, eventID, userID uuid.UUID, now time.Time) ([]models.Registration, error)
	GetBatch(ctx context.Context, batchID uuid.UUID) (*registrations.Batch, error)
	CancelBatch(ctx context.Context, userID, batchID uuid.UUID, now time.Time) (*registrations.Batch, error)
	ClosePaymentAttempt(ctx context.Context, batchID uuid.UUID, status string, now time.Time) (*registrations.Batch, error)
}

// Users loads the identity snapshot of a local user. A nil user means none exists.
type Users interface {
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// Events loads validated event configuration.
type Events interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Event, error)
}

// SoldOutFlags answers whether a slot is known to be exhausted.
type SoldOutFlags interface {
	IsSoldOut(ctx context.Context, eventID uuid.UUID, slot string) (bool, error)
}

// Signals receives state changes that downstream caches care about.
type Signals interface {
	Committed(ctx context.Context, s soldout.Signal)
	Released(ctx context.Context, eventID uuid.UUID, roleIDs ...string)
	Changed(ctx context.Context, eventID uuid.UUID, cause string)
}

// AvailabilityCache holds computed availability views.
type AvailabilityCache interface {
	Get(ctx context.Context, eventID uuid.UUID) (*events.Availability, error)
	Set(ctx context.Context, a *events.Availability) error
}

// Request is one reservation attempt.
type Request struct {
	UserID  uuid.UUID
	EventID uuid.UUID
	Amount  int
	// RoleID is the role the client believes it is buying for. Empty skips the
	// stale-client check.
	RoleID string
}

// Outcome is the result of a reservation attempt. Exactly one of Success or
// Reason is set.
type Outcome struct {
	Success          bool         `json:"success"`
	Reason           quota.Reason `json:"reason,omitempty"`
	ReservationCount int          `json:"reservation_count,omitempty"`
	RoleID           string       `json:"role_id,omitempty"`
	BatchID          uuid.UUID    `json:"batch_id,omitempty"`
	PickupCode       string       `json:"pickup_code,omitempty"`
	ReservedUntil    *time.Time   `json:"reserved_until,omitempty"`
}

func rejected(r quota.Reason) Outcome {
	return Outcome{Reason: r}
}

// Deps wires the service's collaborators. Cache and Codes are optional.
type Deps struct {
	Store   Store
	Users   Users
	Events  Events
	Flags   SoldOutFlags
	Signals Signals
	Cache   AvailabilityCache
	Codes   CodeGenerator
	Now     func() time.Time
	Logger  *zap.Logger
}

// Service implements reservation operations.
type Service struct {
	store   Store
	users   Users
	events  Events
	flags   SoldOutFlags
	signals Signals
	cache   AvailabilityCache
	codes   CodeGenerator
	now     func() time.Time
	cfg     config.ReservationConfig
	logger  *zap.Logger
}

// NewService creates a reservation service.
func NewService(cfg config.ReservationConfig, d Deps) *Service {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Codes == nil {
		d.Codes = RandomCodes(cfg.PickupCodeLength)
	}
	return &Service{
		store:   d.Store,
		users:   d.Users,
		events:  d.Events,
		flags:   d.Flags,
		signals: d.Signals,
		cache:   d.Cache,
		codes:   d.Codes,
		now:     d.Now,
		cfg:     cfg,
		logger:  d.Logger,
	}
}

// Reserve attempts to reserve req.Amount tickets. User-facing rejections are
// reported in the Outcome; the error is reserved for internal failures.
func (s *Service) Reserve(ctx context.Context, req Request) (Outcome, error) {
	out, err := s.reserve(ctx, req)
	switch {
	case err != nil:
		metrics.ReservationAttempts.WithLabelValues("error").Inc()
		s.logger.Error("reservation failed", zap.Error(err),
			zap.String("event_id", req.EventID.String()), zap.String("user_id", req.UserID.String()))
	case out.Success:
		metrics.ReservationAttempts.WithLabelValues("ok").Inc()
		metrics.TicketsReserved.Add(float64(req.Amount))
	default:
		metrics.ReservationAttempts.WithLabelValues(string(out.Reason)).Inc()
		s.logger.Debug("reservation rejected", zap.String("reason", string(out.Reason)),
			zap.String("event_id", req.EventID.String()), zap.String("user_id", req.UserID.String()))
	}
	return out, err
}

func (s *Service) reserve(ctx context.Context, req Request) (Outcome, error) {
	if req.Amount < 1 || req.Amount > s.cfg.MaxPerRequest {
		return rejected(ReasonInvalidAmount), nil
	}
	if req.EventID == uuid.Nil {
		return rejected(ReasonInvalidEvent), nil
	}
	if req.UserID == uuid.Nil {
		return rejected(ReasonUnauthorized), nil
	}
	if r := s.shortCircuit(ctx, req); r != quota.OK {
		metrics.SoldOutShortCircuits.Inc()
		return rejected(r), nil
	}

	user, err := s.users.GetUser(ctx, req.UserID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		return rejected(ReasonUnauthorized), nil
	}
	now := s.now()
	if s.cfg.BaselineRole != "" && !user.HasRole(s.cfg.BaselineRole, now) {
		return Outcome{}, fmt.Errorf("user %s: %w", user.ID, ErrMissingBaselineRole)
	}

	event, err := s.events.Get(ctx, req.EventID)
	if errors.Is(err, events.ErrNotFound) {
		return rejected(ReasonEventNotFound), nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("load event: %w", err)
	}

	roleID := quota.ResolveTargetRole(user.ActiveRoleIDs(now), event.Quotas, models.NoRole)
	if req.RoleID != "" && req.RoleID != roleID {
		return rejected(ReasonStaleRole), nil
	}
	q := event.QuotaFor(roleID)
	if q == nil {
		return rejected(quota.ReasonRoleNotFound), nil
	}
	cq := registrations.CountQuery{EventID: event.ID, RoleID: roleID, UserID: user.ID, Now: now}

	// Lock-free pre-check. Passing it proves nothing; failing it is final
	// enough to skip the lock.
	snapshot, err := s.store.Counts(ctx, cq)
	if err != nil {
		return Outcome{}, err
	}
	if r := s.evaluate(q, event, snapshot, req.Amount, now); r != quota.OK {
		return rejected(r), nil
	}

	var (
		out    Outcome
		signal soldout.Signal
	)
	err = s.store.WithLock(ctx, event.ID, func(ctx context.Context, tx registrations.Tx) error {
		// The lock may have been contended; judge the window and the holds
		// at the time it was granted.
		now := s.now()
		cq := cq
		cq.Now = now
		counts, err := tx.Counts(ctx, cq)
		if err != nil {
			return err
		}
		if r := s.evaluate(q, event, counts, req.Amount, now); r != quota.OK {
			return &Rejection{Reason: r}
		}

		var code *string
		if event.PickupRequired {
			c, err := uniquePickupCode(ctx, tx, s.codes, s.cfg.PickupCodeAttempts)
			if err != nil {
				return err
			}
			code = &c
		}

		batchID := uuid.New()
		until := now.Add(s.cfg.HoldDuration)
		rows := make([]models.Registration, req.Amount)
		for i := range rows {
			rows[i] = models.Registration{
				ID:            uuid.New(),
				EventID:       event.ID,
				UserID:        user.ID,
				RoleID:        roleID,
				BatchID:       batchID,
				PriceCents:    q.PriceCents,
				PickupCode:    code,
				ReservedUntil: until,
				CreatedAt:     now,
			}
		}
		if err := tx.Insert(ctx, rows); err != nil {
			return err
		}

		after := counts.Add(req.Amount)
		roleFull, jointFull := quota.Filled(q, event.JointQuota, after)
		signal = soldout.Signal{EventID: event.ID, RoleID: roleID, RoleFilled: roleFull, JointFilled: jointFull}
		out = Outcome{
			Success:          true,
			ReservationCount: after.User,
			RoleID:           roleID,
			BatchID:          batchID,
			ReservedUntil:    &until,
		}
		if code != nil {
			out.PickupCode = *code
		}
		return nil
	})
	var rej *Rejection
	if errors.As(err, &rej) {
		return rejected(rej.Reason), nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("reservation transaction: %w", err)
	}

	s.signals.Committed(ctx, signal)
	return out, nil
}

// shortCircuit consults the sold-out flags. Flag lookups that fail fall
// through to the store.
func (s *Service) shortCircuit(ctx context.Context, req Request) quota.Reason {
	if s.flags == nil {
		return quota.OK
	}
	if req.RoleID != "" && s.flagged(ctx, req.EventID, req.RoleID) {
		return quota.ReasonRoleSoldOut
	}
	if s.flagged(ctx, req.EventID, models.JointQuotaKey) {
		return quota.ReasonJointQuotaSoldOut
	}
	return quota.OK
}

func (s *Service) flagged(ctx context.Context, eventID uuid.UUID, slot string) bool {
	ok, err := s.flags.IsSoldOut(ctx, eventID, slot)
	if err != nil {
		s.logger.Warn("sold-out flag lookup failed", zap.Error(err),
			zap.String("event_id", eventID.String()), zap.String("slot", slot))
		return false
	}
	return ok
}

func (s *Service) evaluate(q *models.Quota, e *models.Event, c quota.Counts, amount int, now time.Time) quota.Reason {
	return quota.Evaluate(quota.Input{Quota: q, Joint: e.JointQuota, Counts: c, Amount: amount, Now: now})
}

// Cancel soft-cancels the caller's unpaid batch.
func (s *Service) Cancel(ctx context.Context, userID, batchID uuid.UUID) error {
	b, err := s.store.CancelBatch(ctx, userID, batchID, s.now())
	if err != nil {
		return err
	}
	s.logger.Info("reservation cancelled", zap.String("batch_id", batchID.String()),
		zap.String("event_id", b.EventID.String()), zap.Int("tickets", b.Tickets))
	s.signals.Released(ctx, b.EventID, b.RoleID)
	return nil
}

// StartPayment opens a pending payment attempt for the caller's batch. The
// attempt keeps the batch counted past its hold until the payment resolves.
func (s *Service) StartPayment(ctx context.Context, userID, batchID uuid.UUID) (*models.PaymentAttempt, error) {
	b, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.UserID != userID {
		return nil, registrations.ErrBatchNotFound
	}
	var attempt *models.PaymentAttempt
	err = s.store.WithLock(ctx, b.EventID, func(ctx context.Context, tx registrations.Tx) error {
		a, err := tx.OpenPaymentAttempt(ctx, userID, batchID, s.now())
		if err != nil {
			return err
		}
		attempt = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("payment started", zap.String("batch_id", batchID.String()), zap.String("attempt_id", attempt.ID.String()))
	return attempt, nil
}

// CompletePayment applies the payment collaborator's final verdict to a batch.
func (s *Service) CompletePayment(ctx context.Context, batchID uuid.UUID, status string) error {
	switch status {
	case models.PaymentStatusCompleted, models.PaymentStatusFailed, models.PaymentStatusExpired:
	default:
		return ErrInvalidPaymentStatus
	}
	b, err := s.store.ClosePaymentAttempt(ctx, batchID, status, s.now())
	if err != nil {
		return err
	}
	s.logger.Info("payment closed", zap.String("batch_id", batchID.String()), zap.String("status", status))
	if status == models.PaymentStatusCompleted {
		s.signals.Changed(ctx, b.EventID, soldout.CausePaid)
		return nil
	}
	// A lapsed hold stops counting once its attempt closes.
	s.signals.Released(ctx, b.EventID, b.RoleID)
	return nil
}

// MyReservations lists the caller's occupancy-counted registrations for an event.
func (s *Service) MyReservations(ctx context.Context, userID, eventID uuid.UUID) ([]models.Registration, error) {
	return s.store.ListForUser(ctx, eventID, userID, s.now())
}

// Availability returns the remaining tickets per quota. The view may be stale.
func (s *Service) Availability(ctx context.Context, eventID uuid.UUID) (*events.Availability, error) {
	if s.cache != nil {
		a, err := s.cache.Get(ctx, eventID)
		if err != nil {
			s.logger.Warn("availability cache read failed", zap.Error(err), zap.String("event_id", eventID.String()))
		} else if a != nil {
			return a, nil
		}
	}

	event, err := s.events.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	occ, err := s.store.OccupancyByRole(ctx, eventID, now)
	if err != nil {
		return nil, err
	}
	a := BuildAvailability(event, occ, now)
	if s.cache != nil {
		if err := s.cache.Set(ctx, a); err != nil {
			s.logger.Warn("availability cache write failed", zap.Error(err), zap.String("event_id", eventID.String()))
		}
	}
	return a, nil
}

// BuildAvailability computes an availability view from per-role occupancy.
func BuildAvailability(e *models.Event, occ map[string]int, now time.Time) *events.Availability {
	total := 0
	for _, n := range occ {
		total += n
	}
	a := &events.Availability{EventID: e.ID, ComputedAt: now}
	for i := range e.Quotas {
		q := &e.Quotas[i]
		rem := quota.Remaining(q, nil, quota.Counts{Role: occ[q.RoleID]})
		if e.JointQuota != nil {
			rem = min(rem, e.JointQuota.TotalTickets-total)
		}
		a.Quotas = append(a.Quotas, events.QuotaAvailability{
			RoleID:               q.RoleID,
			TotalTickets:         q.TotalTickets,
			Remaining:            max(rem, 0),
			MaxPerUser:           q.MaxPerUser,
			PriceCents:           q.PriceCents,
			RegistrationStartsAt: q.RegistrationStartsAt,
			RegistrationEndsAt:   q.RegistrationEndsAt,
		})
	}
	if e.JointQuota != nil {
		jr := max(e.JointQuota.TotalTickets-total, 0)
		a.JointRemaining = &jr
	}
	return a
}
