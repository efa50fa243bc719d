package tracker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/baechuer/real-time-ressys/services/registration-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/registration-service/internal/metrics"
	"github.com/baechuer/real-time-ressys/services/registration-service/internal/tracing"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Confirmer asks the user to confirm a cancellation. Returning false aborts
// without any remote call.
type Confirmer func(ctx context.Context) bool

// Confirmed is a Confirmer for callers that collected consent up front.
func Confirmed(ok bool) Confirmer {
	return func(context.Context) bool { return ok }
}

// Auditor receives settled registration outcomes.
type Auditor interface {
	Registered(ctx context.Context, eventID, userID uuid.UUID)
	Canceled(ctx context.Context, eventID, userID uuid.UUID)
	ActionFailed(ctx context.Context, action string, eventID, userID uuid.UUID, err error)
}

type capacityGate interface {
	Snapshot(eventID uuid.UUID) (domain.CapacitySnapshot, bool)
	CountVersion(eventID uuid.UUID) uint64
	BumpOptimisticSince(eventID uuid.UUID, delta int, version uint64) (domain.CapacitySnapshot, bool)
}

// Machine is the registration state of one user for one event.
//
//	Unknown -> NotRegistered | Registered      (Load)
//	NotRegistered -> Submitting -> Registered  (Register)
//	Registered -> Submitting -> NotRegistered  (Cancel)
//
// At most one action is in flight; a second request while Submitting is
// rejected without a remote call.
type Machine struct {
	eventID uuid.UUID
	userID  uuid.UUID

	store   domain.RemoteStore
	gate    capacityGate
	audit   Auditor
	timeout time.Duration
	log     zerolog.Logger

	mu       sync.Mutex
	state    domain.RegistrationState
	settled  domain.RegistrationState
	version  uint64 // bumped on every transition; guards Load against stale reads
	lastUsed time.Time
}

func newMachine(eventID, userID uuid.UUID, store domain.RemoteStore, gate capacityGate, audit Auditor, timeout time.Duration, log zerolog.Logger) *Machine {
	return &Machine{
		eventID:  eventID,
		userID:   userID,
		store:    store,
		gate:     gate,
		audit:    audit,
		timeout:  timeout,
		log:      log.With().Str("event_id", eventID.String()).Str("user_id", userID.String()).Logger(),
		state:    domain.StateUnknown,
		settled:  domain.StateUnknown,
		lastUsed: time.Now(),
	}
}

func (m *Machine) State() domain.RegistrationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Load resolves Unknown (or refreshes a settled state) from the store. It
// never interrupts an action in flight.
func (m *Machine) Load(ctx context.Context) (domain.RegistrationState, error) {
	m.mu.Lock()
	m.lastUsed = time.Now()
	if m.state == domain.StateSubmitting {
		m.mu.Unlock()
		return domain.StateSubmitting, nil
	}
	started := m.version
	m.mu.Unlock()

	registered, err := m.store.HasRegistration(ctx, m.eventID, m.userID)
	if err != nil {
		if errors.Is(err, domain.ErrEventNotFound) {
			return m.State(), domain.ErrEventNotFound
		}
		return m.State(), errors.Join(domain.ErrTransientFetch, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// an action or reconcile settled while we were reading; theirs is newer
	if m.version == started {
		m.settle(domain.StateFor(registered))
	}
	return m.state, nil
}

// Register attempts to reserve a spot. Guards run locally first; only a
// NotRegistered machine with capacity left reaches the remote procedure.
func (m *Machine) Register(ctx context.Context) (domain.Notice, error) {
	ctx, span := tracing.StartSpan(ctx, "tracker.register")
	defer span.End()
	span.SetAttributes(attribute.String("event.id", m.eventID.String()))

	if err := m.ensureLoaded(ctx); err != nil {
		return domain.NoticeFor(err), err
	}

	m.mu.Lock()
	switch m.state {
	case domain.StateSubmitting:
		m.mu.Unlock()
		return domain.NoticeFor(domain.ErrActionInFlight), domain.ErrActionInFlight
	case domain.StateRegistered:
		m.mu.Unlock()
		return domain.NoticeFor(domain.ErrAlreadyRegistered), domain.ErrAlreadyRegistered
	}
	if snap, ok := m.gate.Snapshot(m.eventID); ok && snap.FullyBooked() {
		m.mu.Unlock()
		metrics.RecordAction("register", "event_full", 0)
		return domain.NoticeFor(domain.ErrEventFull), domain.ErrEventFull
	}
	m.submitLocked()
	m.mu.Unlock()

	counted := m.gate.CountVersion(m.eventID)
	start := time.Now()
	err := m.call(ctx, m.store.RegisterForEvent)
	cerr := Classify(err)
	metrics.RecordAction("register", outcome(cerr), time.Since(start))

	m.mu.Lock()
	switch {
	case cerr == nil:
		m.settle(domain.StateRegistered)
		m.mu.Unlock()
		m.gate.BumpOptimisticSince(m.eventID, +1, counted)
		if m.audit != nil {
			m.audit.Registered(ctx, m.eventID, m.userID)
		}
		return domain.RegisteredNotice, nil
	case errors.Is(cerr, domain.ErrAlreadyRegistered):
		// the server already holds a registration; adopt it without bumping
		m.settle(domain.StateRegistered)
	case errors.Is(cerr, domain.ErrActionTimeout):
		m.state = m.settled
	default:
		m.settle(domain.StateNotRegistered)
	}
	m.mu.Unlock()

	m.failed(ctx, "register", cerr)
	span.SetStatus(codes.Error, outcome(cerr))
	return domain.NoticeFor(cerr), cerr
}

// Cancel releases the user's spot after confirm agrees.
func (m *Machine) Cancel(ctx context.Context, confirm Confirmer) (domain.Notice, error) {
	ctx, span := tracing.StartSpan(ctx, "tracker.cancel")
	defer span.End()
	span.SetAttributes(attribute.String("event.id", m.eventID.String()))

	if err := m.ensureLoaded(ctx); err != nil {
		return domain.NoticeFor(err), err
	}
	if err := m.cancelable(); err != nil {
		return domain.NoticeFor(err), err
	}
	if confirm == nil || !confirm(ctx) {
		return domain.NoticeFor(domain.ErrNotConfirmed), domain.ErrNotConfirmed
	}

	m.mu.Lock()
	// the state may have moved while the user was confirming
	if err := m.cancelableLocked(); err != nil {
		m.mu.Unlock()
		return domain.NoticeFor(err), err
	}
	m.submitLocked()
	m.mu.Unlock()

	counted := m.gate.CountVersion(m.eventID)
	start := time.Now()
	err := m.call(ctx, m.store.CancelRegistration)
	cerr := Classify(err)
	metrics.RecordAction("cancel", outcome(cerr), time.Since(start))

	m.mu.Lock()
	switch {
	case cerr == nil:
		m.settle(domain.StateNotRegistered)
		m.mu.Unlock()
		m.gate.BumpOptimisticSince(m.eventID, -1, counted)
		if m.audit != nil {
			m.audit.Canceled(ctx, m.eventID, m.userID)
		}
		return domain.CanceledNotice, nil
	case errors.Is(cerr, domain.ErrNotRegistered):
		m.settle(domain.StateNotRegistered)
	default:
		// keep the registration; the user can retry
		m.state = domain.StateRegistered
	}
	m.mu.Unlock()

	m.failed(ctx, "cancel", cerr)
	span.SetStatus(codes.Error, outcome(cerr))
	return domain.NoticeFor(cerr), cerr
}

// Reconcile re-reads the user's registration after a change notification.
// It is a no-op while an action is in flight.
func (m *Machine) Reconcile(ctx context.Context) {
	if m.State() == domain.StateSubmitting {
		return
	}
	registered, err := m.store.HasRegistration(ctx, m.eventID, m.userID)
	if err != nil {
		if ctx.Err() == nil {
			m.log.Warn().Err(err).Msg("registration reconcile failed")
		}
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == domain.StateSubmitting {
		return
	}
	next := domain.StateFor(registered)
	if next != m.state {
		m.log.Info().Str("from", string(m.state)).Str("to", string(next)).Msg("registration state reconciled")
	}
	m.state = next
	m.settled = next
	m.version++
}

// Idle reports whether the machine is settled and unused since cutoff.
func (m *Machine) Idle(cutoff time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state != domain.StateSubmitting && m.lastUsed.Before(cutoff)
}

// call runs a remote procedure detached from the caller's cancellation and
// bounded by the action timeout, so an abandoned request still settles.
func (m *Machine) call(ctx context.Context, proc func(context.Context, uuid.UUID, uuid.UUID) error) error {
	callCtx := context.WithoutCancel(ctx)
	if m.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, m.timeout)
		defer cancel()
	}

	err := proc(callCtx, m.eventID, m.userID)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return errors.Join(domain.ErrActionTimeout, err)
	}
	return err
}

func (m *Machine) ensureLoaded(ctx context.Context) error {
	m.touch()
	if m.State() != domain.StateUnknown {
		return nil
	}
	_, err := m.Load(ctx)
	return err
}

func (m *Machine) cancelable() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelableLocked()
}

func (m *Machine) cancelableLocked() error {
	switch m.state {
	case domain.StateSubmitting:
		return domain.ErrActionInFlight
	case domain.StateRegistered:
		return nil
	default:
		return domain.ErrNotRegistered
	}
}

// settle and submitLocked must be called with m.mu held.
func (m *Machine) settle(s domain.RegistrationState) {
	m.state = s
	m.settled = s
	m.version++
	m.lastUsed = time.Now()
}

func (m *Machine) submitLocked() {
	m.state = domain.StateSubmitting
	m.version++
}

func (m *Machine) touch() {
	m.mu.Lock()
	m.lastUsed = time.Now()
	m.mu.Unlock()
}

func (m *Machine) failed(ctx context.Context, action string, err error) {
	ev := m.log.Warn()
	if errors.Is(err, domain.ErrEventFull) || errors.Is(err, domain.ErrAlreadyRegistered) || errors.Is(err, domain.ErrNotRegistered) {
		ev = m.log.Info()
	}
	ev.Err(err).Str("action", action).Msg("registration action rejected")
	if m.audit != nil {
		m.audit.ActionFailed(ctx, action, m.eventID, m.userID, err)
	}
}
