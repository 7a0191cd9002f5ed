package soldout

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/guildhall/backend/internal/models"
	"github.com/guildhall/backend/pkg/metrics"
	"github.com/guildhall/backend/pkg/queue"
)

// FlagStore is the slice of Flags the emitter writes through.
type FlagStore interface {
	Set(ctx context.Context, eventID uuid.UUID, slot string) error
	Clear(ctx context.Context, eventID uuid.UUID, slots ...string) error
}

// Invalidator hands read-view invalidation to whoever owns those views.
type Invalidator interface {
	EnqueueInvalidation(ctx context.Context, payload queue.InvalidatePayload) error
}

// Invalidation causes.
const (
	CauseReserved  = "reserved"
	CauseSoldOut   = "sold_out"
	CauseCancelled = "cancelled"
	CausePaid      = "paid"
)

// Signal describes the state right after a committed reservation.
type Signal struct {
	EventID     uuid.UUID
	RoleID      string
	RoleFilled  bool // post-insert role occupancy reached the role total
	JointFilled bool // post-insert joint occupancy reached the joint total
}

// Emitter turns committed reservation state into sold-out flags and
// invalidation signals. It never fails the caller: errors are logged.
type Emitter struct {
	flags       FlagStore
	invalidator Invalidator
	logger      *zap.Logger
}

// NewEmitter creates an emitter.
func NewEmitter(flags FlagStore, invalidator Invalidator, logger *zap.Logger) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{flags: flags, invalidator: invalidator, logger: logger}
}

// Committed handles a successful reservation.
func (e *Emitter) Committed(ctx context.Context, s Signal) {
	cause := CauseReserved
	if s.RoleFilled {
		e.setFlag(ctx, s.EventID, s.RoleID, "role")
		cause = CauseSoldOut
	}
	if s.JointFilled {
		e.setFlag(ctx, s.EventID, models.JointQuotaKey, "joint")
		cause = CauseSoldOut
	}
	e.invalidate(ctx, s.EventID, cause)
}

// Released handles tickets returning to the pool, e.g. a cancellation. The
// role's and joint pool's flags are dropped so attempts reach the store again.
func (e *Emitter) Released(ctx context.Context, eventID uuid.UUID, roleIDs ...string) {
	slots := append(append([]string{}, roleIDs...), models.JointQuotaKey)
	if err := e.flags.Clear(ctx, eventID, slots...); err != nil {
		e.logger.Warn("clear sold-out flags failed", zap.Error(err), zap.String("event_id", eventID.String()))
	}
	e.invalidate(ctx, eventID, CauseCancelled)
}

// Changed signals that an event's registrations changed without affecting occupancy.
func (e *Emitter) Changed(ctx context.Context, eventID uuid.UUID, cause string) {
	e.invalidate(ctx, eventID, cause)
}

func (e *Emitter) setFlag(ctx context.Context, eventID uuid.UUID, slot, scope string) {
	if err := e.flags.Set(ctx, eventID, slot); err != nil {
		e.logger.Warn("set sold-out flag failed", zap.Error(err),
			zap.String("event_id", eventID.String()), zap.String("slot", slot))
		return
	}
	metrics.SoldOutFlags.WithLabelValues(scope).Inc()
	e.logger.Info("sold out", zap.String("event_id", eventID.String()), zap.String("slot", slot))
}

func (e *Emitter) invalidate(ctx context.Context, eventID uuid.UUID, cause string) {
	if e.invalidator == nil {
		return
	}
	if err := e.invalidator.EnqueueInvalidation(ctx, queue.InvalidatePayload{EventID: eventID, Cause: cause}); err != nil {
		e.logger.Warn("enqueue invalidation failed", zap.Error(err), zap.String("event_id", eventID.String()))
	}
}
