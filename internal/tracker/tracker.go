package tracker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/baechuer/real-time-ressys/services/registration-service/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultActionTimeout = 10 * time.Second
	DefaultIdleTTL       = 15 * time.Minute
)

type Option func(*Tracker)

func WithCache(c domain.CountCache) Option { return func(t *Tracker) { t.cache = c } }

func WithActionTimeout(d time.Duration) Option { return func(t *Tracker) { t.timeout = d } }

func WithIdleTTL(d time.Duration) Option { return func(t *Tracker) { t.idleTTL = d } }

func WithLogger(l zerolog.Logger) Option { return func(t *Tracker) { t.log = l } }

func WithAuditor(a Auditor) Option { return func(t *Tracker) { t.audit = a } }

type machineKey struct {
	eventID uuid.UUID
	userID  uuid.UUID
}

type machineEntry struct {
	m       *Machine
	unwatch func()
}

// Tracker owns one Counter and the per-(event, user) registration machines.
// Machines stay subscribed to their event's change stream so a registration
// made elsewhere (another tab, an admin) reconciles them.
type Tracker struct {
	store   domain.RemoteStore
	cache   domain.CountCache
	audit   Auditor
	timeout time.Duration
	idleTTL time.Duration
	log     zerolog.Logger

	counter *Counter

	mu       sync.Mutex
	machines map[machineKey]*machineEntry
}

func New(store domain.RemoteStore, feed domain.ChangeFeed, opts ...Option) *Tracker {
	t := &Tracker{
		store:    store,
		timeout:  DefaultActionTimeout,
		idleTTL:  DefaultIdleTTL,
		log:      zerolog.Nop(),
		machines: make(map[machineKey]*machineEntry),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.counter = NewCounter(store, feed, t.cache, t.log)
	return t
}

func (t *Tracker) Counter() *Counter { return t.counter }

// Capacity returns the live snapshot when a loop keeps it fresh, otherwise
// an authoritative read.
func (t *Tracker) Capacity(ctx context.Context, eventID uuid.UUID) (domain.CapacitySnapshot, error) {
	if t.counter.Live(eventID) {
		if snap, ok := t.counter.Snapshot(eventID); ok {
			return snap, nil
		}
	}
	return t.counter.Initialize(ctx, eventID)
}

// SubscribeCapacity forwards snapshot updates for eventID to onChange until
// ctx ends or the returned func is called.
func (t *Tracker) SubscribeCapacity(ctx context.Context, eventID uuid.UUID, key string, onChange func(domain.CapacitySnapshot)) (func(), error) {
	return t.counter.Subscribe(ctx, eventID, key, onChange)
}

// Machine returns the registration machine for the session's user, creating
// and subscribing it on first use. Unknown events get no machine.
func (t *Tracker) Machine(ctx context.Context, s domain.Session, eventID uuid.UUID) (*Machine, error) {
	if !s.Authenticated() {
		return nil, domain.ErrNotAuthenticated
	}
	key := machineKey{eventID: eventID, userID: *s.UserID}

	t.mu.Lock()
	e, ok := t.machines[key]
	t.mu.Unlock()
	if ok {
		return e.m, nil
	}

	if _, err := t.store.GetEvent(ctx, eventID); err != nil {
		if errors.Is(err, domain.ErrEventNotFound) {
			return nil, domain.ErrEventNotFound
		}
		// the machine's own load reports the outage
		t.log.Debug().Err(err).Str("event_id", eventID.String()).Msg("event lookup failed before creating machine")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.machines[key]; ok {
		return e.m, nil
	}

	m := newMachine(eventID, key.userID, t.store, t.counter, t.audit, t.timeout, t.log)
	unwatch, err := t.counter.watch(context.Background(), eventID, "machine:"+key.userID.String(), func(ctx context.Context, batch ChangeSet) {
		if batch.Touches(m.userID) {
			m.Reconcile(ctx)
		}
	})
	if err != nil {
		// still usable; it just won't see changes made elsewhere
		t.log.Warn().Err(err).Str("event_id", eventID.String()).Msg("machine not subscribed to changes")
		unwatch = func() {}
	}
	t.machines[key] = &machineEntry{m: m, unwatch: unwatch}
	return m, nil
}

// Status resolves the session's registration state for eventID.
func (t *Tracker) Status(ctx context.Context, s domain.Session, eventID uuid.UUID) (domain.RegistrationState, error) {
	m, err := t.Machine(ctx, s, eventID)
	if err != nil {
		return domain.StateUnknown, err
	}
	if st := m.State(); st != domain.StateUnknown {
		return st, nil
	}
	return m.Load(ctx)
}

// Register runs the register action for the session. Capacity is loaded
// first so the sold-out guard can answer without a remote call.
func (t *Tracker) Register(ctx context.Context, s domain.Session, eventID uuid.UUID) (domain.Notice, error) {
	m, err := t.Machine(ctx, s, eventID)
	if err != nil {
		return domain.NoticeFor(err), err
	}
	if _, ok := t.counter.Snapshot(eventID); !ok {
		if _, err := t.counter.Initialize(ctx, eventID); err != nil {
			if errors.Is(err, domain.ErrEventNotFound) {
				return domain.NoticeFor(err), err
			}
			t.log.Debug().Err(err).Msg("capacity unavailable, relying on the server-side check")
		}
	}
	return m.Register(ctx)
}

func (t *Tracker) Cancel(ctx context.Context, s domain.Session, eventID uuid.UUID, confirm Confirmer) (domain.Notice, error) {
	m, err := t.Machine(ctx, s, eventID)
	if err != nil {
		return domain.NoticeFor(err), err
	}
	return m.Cancel(ctx, confirm)
}

// Sweep drops idle machines and counters last used before now-idleTTL.
func (t *Tracker) Sweep(now time.Time) int {
	cutoff := now.Add(-t.idleTTL)

	var unwatch []func()
	t.mu.Lock()
	for key, e := range t.machines {
		if e.m.Idle(cutoff) {
			unwatch = append(unwatch, e.unwatch)
			delete(t.machines, key)
		}
	}
	t.mu.Unlock()

	for _, fn := range unwatch {
		fn()
	}
	return len(unwatch) + t.counter.Sweep(cutoff)
}

// RunJanitor sweeps periodically until ctx is done.
func (t *Tracker) RunJanitor(ctx context.Context) error {
	every := t.idleTTL / 2
	if every < time.Second {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if n := t.Sweep(now); n > 0 {
				t.log.Debug().Int("evicted", n).Msg("tracker janitor sweep")
			}
		}
	}
}

// Close unsubscribes everything.
func (t *Tracker) Close() {
	t.mu.Lock()
	for key, e := range t.machines {
		e.unwatch()
		delete(t.machines, key)
	}
	t.mu.Unlock()
	t.counter.Close()
}
