package reservations

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/guildhall/backend/config"
	"github.com/guildhall/backend/internal/events"
	"github.com/guildhall/backend/internal/models"
	"github.com/guildhall/backend/internal/quota"
	"github.com/guildhall/backend/internal/registrations"
	"github.com/guildhall/backend/internal/soldout"
)

// memStore keeps registrations in memory. Its mutex plays the reservation
// lock; writes made inside WithLock are discarded unless fn succeeds.
// With perEvent set, WithLock serializes per event only and pickup codes
// are claimed for the duration of the transaction.
type memStore struct {
	mu        sync.Mutex
	rows      []models.Registration
	attempts  []models.PaymentAttempt
	lockErr   error
	insertErr error
	locks     int
	onLock    func()

	perEvent   bool
	eventLocks map[uuid.UUID]*sync.Mutex
	claims     map[string]*memTx
}

func newPerEventStore() *memStore {
	return &memStore{
		perEvent:   true,
		eventLocks: make(map[uuid.UUID]*sync.Mutex),
		claims:     make(map[string]*memTx),
	}
}

func (m *memStore) eventLock(id uuid.UUID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.eventLocks[id]
	if !ok {
		l = &sync.Mutex{}
		m.eventLocks[id] = l
	}
	return l
}

func (m *memStore) pending(batchID uuid.UUID) bool {
	for _, a := range m.attempts {
		if a.BatchID == batchID && a.Status == models.PaymentStatusPending {
			return true
		}
	}
	return false
}

func (m *memStore) countLocked(q registrations.CountQuery) quota.Counts {
	var c quota.Counts
	for i := range m.rows {
		r := &m.rows[i]
		if r.EventID != q.EventID || !r.IsOccupying(q.Now, m.pending(r.BatchID)) {
			continue
		}
		c.Joint++
		if r.RoleID == q.RoleID {
			c.Role++
			if r.UserID == q.UserID {
				c.User++
			}
		}
	}
	return c
}

func (m *memStore) WithLock(ctx context.Context, eventID uuid.UUID, fn func(ctx context.Context, tx registrations.Tx) error) error {
	if m.lockErr != nil {
		return m.lockErr
	}
	if m.perEvent {
		return m.withEventLock(ctx, eventID, fn)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks++
	if m.onLock != nil {
		m.onLock()
	}
	tx := &memTx{store: m}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	m.rows = append(m.rows, tx.rows...)
	m.attempts = append(m.attempts, tx.attempts...)
	return nil
}

func (m *memStore) withEventLock(ctx context.Context, eventID uuid.UUID, fn func(ctx context.Context, tx registrations.Tx) error) error {
	l := m.eventLock(eventID)
	l.Lock()
	defer l.Unlock()
	tx := &memTx{store: m, shared: true}
	err := fn(ctx, tx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks++
	for code, owner := range m.claims {
		if owner == tx {
			delete(m.claims, code)
		}
	}
	if err != nil {
		return err
	}
	m.rows = append(m.rows, tx.rows...)
	m.attempts = append(m.attempts, tx.attempts...)
	return nil
}

func (m *memStore) Counts(_ context.Context, q registrations.CountQuery) (quota.Counts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countLocked(q), nil
}

func (m *memStore) OccupancyByRole(_ context.Context, eventID uuid.UUID, now time.Time) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int)
	for i := range m.rows {
		r := &m.rows[i]
		if r.EventID == eventID && r.IsOccupying(now, m.pending(r.BatchID)) {
			out[r.RoleID]++
		}
	}
	return out, nil
}

func (m *memStore) ListForUser(_ context.Context, eventID, userID uuid.UUID, now time.Time) ([]models.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Registration
	for _, r := range m.rows {
		if r.EventID == eventID && r.UserID == userID && r.IsOccupying(now, m.pending(r.BatchID)) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) batchLocked(batchID uuid.UUID) (*registrations.Batch, error) {
	var b *registrations.Batch
	for _, r := range m.rows {
		if r.BatchID != batchID || r.DeletedAt != nil {
			continue
		}
		if b == nil {
			b = &registrations.Batch{ID: batchID, EventID: r.EventID, UserID: r.UserID, RoleID: r.RoleID,
				ReservedUntil: r.ReservedUntil, PaymentCompleted: true}
		}
		b.Tickets++
		b.PaymentCompleted = b.PaymentCompleted && r.PaymentCompleted
	}
	if b == nil {
		return nil, registrations.ErrBatchNotFound
	}
	return b, nil
}

func (m *memStore) GetBatch(_ context.Context, batchID uuid.UUID) (*registrations.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batchLocked(batchID)
}

func (m *memStore) CancelBatch(_ context.Context, userID, batchID uuid.UUID, now time.Time) (*registrations.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.batchLocked(batchID)
	if err != nil {
		return nil, err
	}
	if b.UserID != userID {
		return nil, registrations.ErrBatchNotFound
	}
	if b.PaymentCompleted {
		return nil, registrations.ErrBatchPaid
	}
	for i := range m.rows {
		if m.rows[i].BatchID == batchID && m.rows[i].DeletedAt == nil {
			t := now
			m.rows[i].DeletedAt = &t
		}
	}
	for i := range m.attempts {
		if m.attempts[i].BatchID == batchID && m.attempts[i].Status == models.PaymentStatusPending {
			m.attempts[i].Status = models.PaymentStatusExpired
		}
	}
	return b, nil
}

func (m *memStore) ClosePaymentAttempt(_ context.Context, batchID uuid.UUID, status string, _ time.Time) (*registrations.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	closed := false
	for i := range m.attempts {
		if m.attempts[i].BatchID == batchID && m.attempts[i].Status == models.PaymentStatusPending {
			m.attempts[i].Status = status
			closed = true
		}
	}
	if !closed {
		return nil, registrations.ErrNoPendingPayment
	}
	if status == models.PaymentStatusCompleted {
		for i := range m.rows {
			if m.rows[i].BatchID == batchID && m.rows[i].DeletedAt == nil {
				m.rows[i].PaymentCompleted = true
			}
		}
	}
	return m.batchLocked(batchID)
}

func (m *memStore) liveCodes() map[string]uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uuid.UUID)
	for _, r := range m.rows {
		if r.PickupCode != nil && r.DeletedAt == nil {
			out[*r.PickupCode] = r.BatchID
		}
	}
	return out
}

func (m *memStore) rowCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// memTx stages writes made under the lock. Unless shared is set the store
// mutex is already held.
type memTx struct {
	store    *memStore
	shared   bool
	rows     []models.Registration
	attempts []models.PaymentAttempt
}

func (t *memTx) guard() func() {
	if !t.shared {
		return func() {}
	}
	t.store.mu.Lock()
	return t.store.mu.Unlock
}

func (t *memTx) Counts(_ context.Context, q registrations.CountQuery) (quota.Counts, error) {
	defer t.guard()()
	return t.store.countLocked(q), nil
}

func (t *memTx) PickupCodeTaken(_ context.Context, code string) (bool, error) {
	defer t.guard()()
	if t.shared {
		if owner, ok := t.store.claims[code]; ok && owner != t {
			return true, nil
		}
	}
	for _, r := range t.store.rows {
		if r.PickupCode != nil && *r.PickupCode == code && r.DeletedAt == nil {
			return true, nil
		}
	}
	if t.shared {
		t.store.claims[code] = t
	}
	return false, nil
}

func (t *memTx) Insert(_ context.Context, rows []models.Registration) error {
	defer t.guard()()
	if t.store.insertErr != nil {
		return t.store.insertErr
	}
	t.rows = append(t.rows, rows...)
	return nil
}

func (t *memTx) OpenPaymentAttempt(_ context.Context, userID, batchID uuid.UUID, now time.Time) (*models.PaymentAttempt, error) {
	defer t.guard()()
	b, err := t.store.batchLocked(batchID)
	if err != nil {
		return nil, err
	}
	if b.UserID != userID {
		return nil, registrations.ErrBatchNotFound
	}
	if b.ReservedUntil.Before(now) {
		return nil, registrations.ErrBatchExpired
	}
	if t.store.pending(batchID) {
		return nil, registrations.ErrPaymentPending
	}
	a := models.PaymentAttempt{ID: uuid.New(), BatchID: batchID, UserID: userID,
		Status: models.PaymentStatusPending, CreatedAt: now, UpdatedAt: now}
	t.attempts = append(t.attempts, a)
	return &a, nil
}

type memUsers map[uuid.UUID]*models.User

func (m memUsers) GetUser(_ context.Context, id uuid.UUID) (*models.User, error) {
	return m[id], nil
}

type memEvents map[uuid.UUID]*models.Event

func (m memEvents) Get(_ context.Context, id uuid.UUID) (*models.Event, error) {
	e, ok := m[id]
	if !ok {
		return nil, events.ErrNotFound
	}
	return e, nil
}

// memFlags is an expiry-free flag store that also records emitted signals.
type memFlags struct {
	mu        sync.Mutex
	set       map[string]bool
	committed []soldout.Signal
	released  []string
	changed   []string
}

func newMemFlags() *memFlags {
	return &memFlags{set: make(map[string]bool)}
}

func (f *memFlags) IsSoldOut(_ context.Context, eventID uuid.UUID, slot string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set[soldout.Key(eventID, slot)], nil
}

func (f *memFlags) Committed(_ context.Context, s soldout.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, s)
	if s.RoleFilled {
		f.set[soldout.Key(s.EventID, s.RoleID)] = true
	}
	if s.JointFilled {
		f.set[soldout.Key(s.EventID, models.JointQuotaKey)] = true
	}
}

func (f *memFlags) Released(_ context.Context, eventID uuid.UUID, roleIDs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range append(roleIDs, models.JointQuotaKey) {
		delete(f.set, soldout.Key(eventID, r))
	}
	f.released = append(f.released, roleIDs...)
}

func (f *memFlags) Changed(_ context.Context, _ uuid.UUID, cause string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changed = append(f.changed, cause)
}

var errBoom = errors.New("boom")

var (
	t0          = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	windowStart = t0.Add(-time.Hour)
	windowEnd   = t0.Add(24 * time.Hour)
)

func testConfig() config.ReservationConfig {
	return config.ReservationConfig{
		HoldDuration:       60 * time.Minute,
		PickupCodeLength:   6,
		PickupCodeAttempts: 1000,
		MaxPerRequest:      20,
		LockMode:           config.LockModeTable,
		BaselineRole:       "authenticated",
	}
}

func testQuota(role string, weight, total, perUser int) models.Quota {
	return models.Quota{
		RoleID:               role,
		Weight:               weight,
		TotalTickets:         total,
		MaxPerUser:           perUser,
		PriceCents:           1500,
		RegistrationStartsAt: windowStart,
		RegistrationEndsAt:   windowEnd,
	}
}

func newUser(roles ...string) *models.User {
	u := &models.User{ID: uuid.New()}
	for _, r := range append([]string{"authenticated"}, roles...) {
		u.Roles = append(u.Roles, models.RoleMembership{RoleID: r, GrantedAt: t0.Add(-48 * time.Hour)})
	}
	return u
}

// harness bundles a service with in-memory collaborators.
type harness struct {
	svc    *Service
	store  *memStore
	users  memUsers
	events memEvents
	flags  *memFlags
	now    time.Time
}

func newHarness(cfg config.ReservationConfig) *harness {
	return newHarnessWith(cfg, &memStore{})
}

func newHarnessWith(cfg config.ReservationConfig, store *memStore) *harness {
	h := &harness{
		store:  store,
		users:  memUsers{},
		events: memEvents{},
		flags:  newMemFlags(),
		now:    t0,
	}
	h.svc = NewService(cfg, Deps{
		Store:   h.store,
		Users:   h.users,
		Events:  h.events,
		Flags:   h.flags,
		Signals: h.flags,
		Now:     func() time.Time { return h.now },
	})
	return h
}

func (h *harness) addUser(u *models.User) *models.User {
	h.users[u.ID] = u
	return u
}

func (h *harness) addEvent(joint *models.JointQuota, quotas ...models.Quota) *models.Event {
	e := &models.Event{ID: uuid.New(), Quotas: quotas, JointQuota: joint}
	h.events[e.ID] = e
	return e
}
