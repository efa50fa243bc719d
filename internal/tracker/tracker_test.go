package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/baechuer/real-time-ressys/services/registration-service/internal/changefeed"
	"github.com/baechuer/real-time-ressys/services/registration-service/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T, store *fakeStore, opts ...Option) (*Tracker, *changefeed.Hub) {
	t.Helper()
	hub := changefeed.NewHub()
	tr := New(store, hub, opts...)
	t.Cleanup(func() {
		tr.Close()
		hub.Close()
	})
	return tr, hub
}

func user() domain.Session { return domain.UserSession(uuid.New(), "user") }

func TestTracker_RegisterTakesLastSpot(t *testing.T) {
	store := newFakeStore()
	ev := store.addEvent(10, 9)
	audit := &recordingAuditor{}
	tr, hub := newTestTracker(t, store, WithAuditor(audit))
	s := user()

	snap, err := tr.Capacity(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, 9, snap.Enrolled)
	assert.False(t, snap.FullyBooked())

	notice, err := tr.Register(context.Background(), s, ev)
	require.NoError(t, err)
	assert.Equal(t, domain.NoticeRegistered, notice.Kind)

	m, _ := tr.Machine(context.Background(), s, ev)
	assert.Equal(t, domain.StateRegistered, m.State())

	bumped, ok := tr.Counter().Snapshot(ev)
	require.True(t, ok)
	assert.Equal(t, 10, bumped.Enrolled)
	assert.True(t, bumped.Provisional)
	assert.True(t, bumped.FullyBooked())
	assert.Equal(t, 1, audit.registered)

	// the authoritative re-count replaces the provisional value
	hub.Publish(domain.Change{Table: "event_registrations", Op: domain.OpInsert, EventID: ev, UserID: *s.UserID})
	assert.Eventually(t, func() bool {
		cur, _ := tr.Counter().Snapshot(ev)
		return !cur.Provisional && cur.Enrolled == 10
	}, time.Second, 5*time.Millisecond)
}

func TestTracker_RecountDuringActionIsNotBumpedAgain(t *testing.T) {
	store := newFakeStore()
	ev := store.addEvent(10, 9)
	tr, hub := newTestTracker(t, store)
	s := user()

	_, err := tr.Capacity(context.Background(), ev)
	require.NoError(t, err)

	// the commit's notification is recounted before the procedure returns
	store.registerFn = func(_ context.Context, eventID, userID uuid.UUID) error {
		store.setRegistered(eventID, userID, true)
		hub.Publish(domain.Change{Table: "event_registrations", Op: domain.OpInsert, EventID: eventID, UserID: userID})
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if snap, ok := tr.Counter().Snapshot(eventID); ok && !snap.Provisional && snap.Enrolled == 10 {
				return nil
			}
			time.Sleep(2 * time.Millisecond)
		}
		return errors.New("recount did not land")
	}

	_, err = tr.Register(context.Background(), s, ev)
	require.NoError(t, err)

	snap, ok := tr.Counter().Snapshot(ev)
	require.True(t, ok)
	assert.Equal(t, 10, snap.Enrolled)
	assert.False(t, snap.Provisional)
	assert.True(t, snap.FullyBooked())
}

func TestTracker_UnknownEventGetsNoMachine(t *testing.T) {
	store := newFakeStore()
	tr, hub := newTestTracker(t, store)
	s := user()
	ev := uuid.New()

	_, err := tr.Status(context.Background(), s, ev)
	assert.ErrorIs(t, err, domain.ErrEventNotFound)

	notice, err := tr.Register(context.Background(), s, ev)
	assert.ErrorIs(t, err, domain.ErrEventNotFound)
	assert.Equal(t, domain.NoticeFor(domain.ErrEventNotFound).Kind, notice.Kind)

	assert.Equal(t, int32(0), store.registerCalls.Load())
	assert.Equal(t, int32(0), store.hasCalls.Load())
	assert.Equal(t, 0, hub.Subscribers(ev))
	assert.False(t, tr.Counter().Live(ev))
	assert.Equal(t, 0, tr.Sweep(time.Now().Add(time.Hour)))
}

func TestTracker_SoldOutGuardSkipsRemoteCall(t *testing.T) {
	store := newFakeStore()
	ev := store.addEvent(10, 10)
	tr, _ := newTestTracker(t, store)

	notice, err := tr.Register(context.Background(), user(), ev)
	assert.ErrorIs(t, err, domain.ErrEventFull)
	assert.Equal(t, domain.NoticeSoldOut, notice.Kind)
	assert.Equal(t, int32(0), store.registerCalls.Load())
}

func TestTracker_OtherUserRegistrationUpdatesSubscribers(t *testing.T) {
	store := newFakeStore()
	ev := store.addEvent(10, 5)
	tr, hub := newTestTracker(t, store)

	_, err := tr.Capacity(context.Background(), ev)
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []int
	unsub, err := tr.Counter().Subscribe(context.Background(), ev, "view", func(s domain.CapacitySnapshot) {
		mu.Lock()
		seen = append(seen, s.Enrolled)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	other := uuid.New()
	store.setRegistered(ev, other, true)
	hub.Publish(domain.Change{Table: "event_registrations", Op: domain.OpInsert, EventID: ev, UserID: other})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == 6
	}, time.Second, 5*time.Millisecond)

	// notifications for other events do nothing here
	before := store.countCalls.Load()
	hub.Publish(domain.Change{Table: "event_registrations", Op: domain.OpInsert, EventID: uuid.New()})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, store.countCalls.Load())
}

func TestTracker_StaleSnapshotServerSaysFull(t *testing.T) {
	store := newFakeStore()
	ev := store.addEvent(10, 9)
	store.registerFn = func(context.Context, uuid.UUID, uuid.UUID) error {
		return errors.New("register_for_event: event_full")
	}
	tr, _ := newTestTracker(t, store)
	s := user()

	_, err := tr.Register(context.Background(), s, ev)
	assert.ErrorIs(t, err, domain.ErrEventFull)

	m, _ := tr.Machine(context.Background(), s, ev)
	assert.Equal(t, domain.StateNotRegistered, m.State())

	snap, _ := tr.Counter().Snapshot(ev)
	assert.Equal(t, 9, snap.Enrolled, "no optimistic bump on failure")
	assert.False(t, snap.Provisional)
}

func TestTracker_DoubleSubmitIsRejectedLocally(t *testing.T) {
	store := newFakeStore()
	ev := store.addEvent(10, 0)
	release := make(chan struct{})
	entered := make(chan struct{})
	store.registerFn = func(context.Context, uuid.UUID, uuid.UUID) error {
		close(entered)
		<-release
		return nil
	}
	tr, _ := newTestTracker(t, store)
	s := user()

	done := make(chan error, 1)
	go func() {
		_, err := tr.Register(context.Background(), s, ev)
		done <- err
	}()
	<-entered

	m, _ := tr.Machine(context.Background(), s, ev)
	assert.Equal(t, domain.StateSubmitting, m.State())

	_, err := tr.Register(context.Background(), s, ev)
	assert.ErrorIs(t, err, domain.ErrActionInFlight)
	_, err = tr.Cancel(context.Background(), s, ev, Confirmed(true))
	assert.ErrorIs(t, err, domain.ErrActionInFlight)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), store.registerCalls.Load())
	assert.Equal(t, int32(0), store.cancelCalls.Load())
	assert.Equal(t, domain.StateRegistered, m.State())
}

func TestTracker_AnonymousSessionNeverCallsStore(t *testing.T) {
	store := newFakeStore()
	ev := store.addEvent(10, 0)
	tr, _ := newTestTracker(t, store)

	notice, err := tr.Register(context.Background(), domain.Anonymous(), ev)
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)
	assert.Equal(t, domain.NoticeSignIn, notice.Kind)

	_, err = tr.Cancel(context.Background(), domain.Anonymous(), ev, Confirmed(true))
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)

	_, err = tr.Status(context.Background(), domain.Anonymous(), ev)
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)

	assert.Equal(t, int32(0), store.registerCalls.Load())
	assert.Equal(t, int32(0), store.cancelCalls.Load())
}

func TestTracker_AlreadyRegisteredGuard(t *testing.T) {
	store := newFakeStore()
	ev := store.addEvent(10, 0)
	tr, _ := newTestTracker(t, store)
	s := user()
	store.setRegistered(ev, *s.UserID, true)

	_, err := tr.Register(context.Background(), s, ev)
	assert.ErrorIs(t, err, domain.ErrAlreadyRegistered)
	assert.Equal(t, int32(0), store.registerCalls.Load())
}

func TestTracker_ServerAlreadyRegisteredAdoptsState(t *testing.T) {
	store := newFakeStore()
	ev := store.addEvent(10, 3)
	store.registerFn = func(context.Context, uuid.UUID, uuid.UUID) error {
		return errors.New("register_for_event: already_registered")
	}
	tr, _ := newTestTracker(t, store)
	s := user()

	_, err := tr.Register(context.Background(), s, ev)
	assert.ErrorIs(t, err, domain.ErrAlreadyRegistered)

	st, err := tr.Status(context.Background(), s, ev)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRegistered, st)

	snap, _ := tr.Counter().Snapshot(ev)
	assert.Equal(t, 3, snap.Enrolled)
}

func TestTracker_ClosedAndTransportFailures(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		notice domain.NoticeKind
	}{
		{"closed", errors.New("register_for_event: event_closed"), domain.ErrEventClosed, domain.NoticeClosed},
		{"not authenticated", errors.New("register_for_event: not_authenticated"), domain.ErrNotAuthenticated, domain.NoticeSignIn},
		{"transport", errors.New("read tcp: connection reset"), domain.ErrGenericAction, domain.NoticeTryAgain},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			ev := store.addEvent(10, 0)
			store.registerFn = func(context.Context, uuid.UUID, uuid.UUID) error { return tt.err }
			tr, _ := newTestTracker(t, store)
			s := user()

			notice, err := tr.Register(context.Background(), s, ev)
			assert.ErrorIs(t, err, tt.target)
			assert.Equal(t, tt.notice, notice.Kind)
			assert.NotContains(t, notice.Message, "tcp")

			st, _ := tr.Status(context.Background(), s, ev)
			assert.Equal(t, domain.StateNotRegistered, st)
		})
	}
}

func TestTracker_ActionTimeoutRevertsToSettledState(t *testing.T) {
	store := newFakeStore()
	ev := store.addEvent(10, 0)
	store.registerFn = func(ctx context.Context, _, _ uuid.UUID) error {
		<-ctx.Done()
		return ctx.Err()
	}
	tr, _ := newTestTracker(t, store, WithActionTimeout(20*time.Millisecond))
	s := user()

	notice, err := tr.Register(context.Background(), s, ev)
	assert.ErrorIs(t, err, domain.ErrActionTimeout)
	assert.ErrorIs(t, err, domain.ErrGenericAction)
	assert.Equal(t, domain.NoticeTryAgain, notice.Kind)

	st, _ := tr.Status(context.Background(), s, ev)
	assert.Equal(t, domain.StateNotRegistered, st)
}

func TestTracker_CallerCancellationDoesNotAbortAction(t *testing.T) {
	store := newFakeStore()
	ev := store.addEvent(10, 0)
	store.registerFn = func(ctx context.Context, eventID, userID uuid.UUID) error {
		time.Sleep(20 * time.Millisecond)
		if err := ctx.Err(); err != nil {
			return err
		}
		store.setRegistered(eventID, userID, true)
		return nil
	}
	tr, _ := newTestTracker(t, store)
	s := user()
	_, err := tr.Status(context.Background(), s, ev)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	_, err = tr.Register(ctx, s, ev)
	require.NoError(t, err)
}

func TestTracker_Cancel(t *testing.T) {
	t.Run("declined confirmation makes no call", func(t *testing.T) {
		store := newFakeStore()
		ev := store.addEvent(10, 1)
		tr, _ := newTestTracker(t, store)
		s := user()
		store.setRegistered(ev, *s.UserID, true)

		notice, err := tr.Cancel(context.Background(), s, ev, Confirmed(false))
		assert.ErrorIs(t, err, domain.ErrNotConfirmed)
		assert.Equal(t, domain.NoticeConfirmCancel, notice.Kind)

		_, err = tr.Cancel(context.Background(), s, ev, nil)
		assert.ErrorIs(t, err, domain.ErrNotConfirmed)
		assert.Equal(t, int32(0), store.cancelCalls.Load())
	})

	t.Run("not registered", func(t *testing.T) {
		store := newFakeStore()
		ev := store.addEvent(10, 1)
		tr, _ := newTestTracker(t, store)

		_, err := tr.Cancel(context.Background(), user(), ev, Confirmed(true))
		assert.ErrorIs(t, err, domain.ErrNotRegistered)
		assert.Equal(t, int32(0), store.cancelCalls.Load())
	})

	t.Run("success releases the spot", func(t *testing.T) {
		store := newFakeStore()
		ev := store.addEvent(10, 4)
		audit := &recordingAuditor{}
		tr, _ := newTestTracker(t, store, WithAuditor(audit))
		s := user()
		store.setRegistered(ev, *s.UserID, true)
		_, err := tr.Capacity(context.Background(), ev)
		require.NoError(t, err)

		notice, err := tr.Cancel(context.Background(), s, ev, Confirmed(true))
		require.NoError(t, err)
		assert.Equal(t, domain.NoticeCanceled, notice.Kind)

		st, _ := tr.Status(context.Background(), s, ev)
		assert.Equal(t, domain.StateNotRegistered, st)
		snap, _ := tr.Counter().Snapshot(ev)
		assert.Equal(t, 4, snap.Enrolled)
		assert.True(t, snap.Provisional)
		assert.Equal(t, 1, audit.canceled)
	})

	t.Run("failure keeps the registration", func(t *testing.T) {
		store := newFakeStore()
		ev := store.addEvent(10, 0)
		store.cancelFn = func(context.Context, uuid.UUID, uuid.UUID) error { return errors.New("boom") }
		tr, _ := newTestTracker(t, store)
		s := user()
		store.setRegistered(ev, *s.UserID, true)

		notice, err := tr.Cancel(context.Background(), s, ev, Confirmed(true))
		assert.ErrorIs(t, err, domain.ErrGenericAction)
		assert.Equal(t, domain.NoticeTryAgain, notice.Kind)

		st, _ := tr.Status(context.Background(), s, ev)
		assert.Equal(t, domain.StateRegistered, st)
	})
}

func TestTracker_ReconcilesRegistrationMadeElsewhere(t *testing.T) {
	store := newFakeStore()
	ev := store.addEvent(10, 0)
	tr, hub := newTestTracker(t, store)
	s := user()

	st, err := tr.Status(context.Background(), s, ev)
	require.NoError(t, err)
	require.Equal(t, domain.StateNotRegistered, st)

	// another tab registers the same user
	store.setRegistered(ev, *s.UserID, true)
	hub.Publish(domain.Change{Table: "event_registrations", Op: domain.OpInsert, EventID: ev, UserID: *s.UserID})

	m, _ := tr.Machine(context.Background(), s, ev)
	assert.Eventually(t, func() bool { return m.State() == domain.StateRegistered }, time.Second, 5*time.Millisecond)

	// a different user's change leaves the machine alone
	store.setRegistered(ev, *s.UserID, false)
	hub.Publish(domain.Change{Table: "event_registrations", Op: domain.OpInsert, EventID: ev, UserID: uuid.New()})
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, domain.StateRegistered, m.State())

	// a resync reaches everyone
	hub.Resync()
	assert.Eventually(t, func() bool { return m.State() == domain.StateNotRegistered }, time.Second, 5*time.Millisecond)
}

func TestMachine_ReconcileSkippedWhileSubmitting(t *testing.T) {
	store := newFakeStore()
	ev := store.addEvent(10, 0)
	release := make(chan struct{})
	entered := make(chan struct{})
	store.registerFn = func(context.Context, uuid.UUID, uuid.UUID) error {
		close(entered)
		<-release
		return nil
	}
	tr, _ := newTestTracker(t, store)
	s := user()
	m, err := tr.Machine(context.Background(), s, ev)
	require.NoError(t, err)

	go func() { _, _ = m.Register(context.Background()) }()
	<-entered

	m.Reconcile(context.Background())
	assert.Equal(t, domain.StateSubmitting, m.State())
	close(release)
	assert.Eventually(t, func() bool { return m.State() == domain.StateRegistered }, time.Second, 5*time.Millisecond)
}

func TestMachine_StaleLoadDoesNotOverwriteAction(t *testing.T) {
	store := newFakeStore()
	ev := store.addEvent(10, 0)
	tr, _ := newTestTracker(t, store)
	s := user()
	m, err := tr.Machine(context.Background(), s, ev)
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	store.hasFn = func(context.Context, uuid.UUID, uuid.UUID) (bool, error) {
		if store.hasCalls.Load() == 1 {
			close(entered)
			<-release
		}
		return false, nil
	}

	loaded := make(chan domain.RegistrationState, 1)
	go func() {
		st, _ := m.Load(context.Background())
		loaded <- st
	}()
	<-entered

	_, err = m.Register(context.Background())
	require.NoError(t, err)
	close(release)

	assert.Equal(t, domain.StateRegistered, <-loaded)
	assert.Equal(t, domain.StateRegistered, m.State())
}

func TestCounter_SubscribeSameKeyReplacesCallback(t *testing.T) {
	store := newFakeStore()
	ev := store.addEvent(5, 1)
	tr, _ := newTestTracker(t, store)
	c := tr.Counter()
	_, err := c.Initialize(context.Background(), ev)
	require.NoError(t, err)

	var first, second int
	unsubFirst, err := c.Subscribe(context.Background(), ev, "view", func(domain.CapacitySnapshot) { first++ })
	require.NoError(t, err)
	_, err = c.Subscribe(context.Background(), ev, "view", func(domain.CapacitySnapshot) { second++ })
	require.NoError(t, err)

	c.BumpOptimistic(ev, 1)
	assert.Equal(t, 0, first)
	assert.Equal(t, 1, second)

	// the stale unsubscribe must not remove the replacement
	unsubFirst()
	c.BumpOptimistic(ev, 1)
	assert.Equal(t, 2, second)
	assert.True(t, c.Live(ev))
}

func TestCounter_BumpSinceSkipsAfterAuthoritativeCount(t *testing.T) {
	store := newFakeStore()
	ev := store.addEvent(5, 2)
	tr, _ := newTestTracker(t, store)
	c := tr.Counter()

	assert.Zero(t, c.CountVersion(ev))
	_, err := c.Initialize(context.Background(), ev)
	require.NoError(t, err)
	v := c.CountVersion(ev)
	require.NotZero(t, v)

	snap, ok := c.BumpOptimisticSince(ev, 1, v)
	require.True(t, ok)
	assert.Equal(t, 3, snap.Enrolled)
	assert.Equal(t, v, c.CountVersion(ev), "a bump is not an authoritative count")

	store.setRegistered(ev, uuid.New(), true)
	_, err = c.Initialize(context.Background(), ev)
	require.NoError(t, err)

	_, ok = c.BumpOptimisticSince(ev, 1, v)
	assert.False(t, ok)
	snap, _ = c.Snapshot(ev)
	assert.Equal(t, 3, snap.Enrolled)
	assert.False(t, snap.Provisional)
}

func TestCounter_InitializeFailures(t *testing.T) {
	store := newFakeStore()
	ev := store.addEvent(5, 1)
	tr, _ := newTestTracker(t, store)

	_, err := tr.Counter().Initialize(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrEventNotFound)

	store.countErr = errors.New("db down")
	_, err = tr.Counter().Initialize(context.Background(), ev)
	assert.ErrorIs(t, err, domain.ErrTransientFetch)
	assert.Equal(t, domain.NoticeCapacityLoading, domain.NoticeFor(err).Kind)

	store.countErr = nil
	store.getErr = errors.New("db down")
	_, err = tr.Counter().Initialize(context.Background(), ev)
	assert.ErrorIs(t, err, domain.ErrTransientFetch)
}

func TestCounter_InitializeReadsThroughCache(t *testing.T) {
	store := newFakeStore()
	ev := store.addEvent(5, 2)
	cache := newFakeCache()
	tr, _ := newTestTracker(t, store, WithCache(cache))

	snap, err := tr.Counter().Initialize(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Enrolled)
	assert.Equal(t, int32(1), store.countCalls.Load())

	snap, err = tr.Counter().Initialize(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Enrolled)
	assert.Equal(t, int32(1), store.countCalls.Load(), "second read served from cache")
}

func TestCounter_FailedRecountKeepsSnapshot(t *testing.T) {
	store := newFakeStore()
	ev := store.addEvent(5, 2)
	tr, hub := newTestTracker(t, store)
	c := tr.Counter()
	_, err := c.Initialize(context.Background(), ev)
	require.NoError(t, err)

	calls := make(chan domain.CapacitySnapshot, 4)
	unsub, err := c.Subscribe(context.Background(), ev, "view", func(s domain.CapacitySnapshot) { calls <- s })
	require.NoError(t, err)
	defer unsub()

	store.mu.Lock()
	store.countErr = errors.New("db down")
	store.mu.Unlock()
	hub.Publish(domain.Change{Table: "event_registrations", EventID: ev})

	assert.Eventually(t, func() bool { return store.countCalls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	snap, ok := c.Snapshot(ev)
	require.True(t, ok)
	assert.Equal(t, 2, snap.Enrolled)
	assert.Empty(t, calls)
}

func TestTracker_SweepEvictsIdleMachines(t *testing.T) {
	store := newFakeStore()
	ev := store.addEvent(5, 0)
	tr, hub := newTestTracker(t, store, WithIdleTTL(time.Minute))
	s := user()

	_, err := tr.Status(context.Background(), s, ev)
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers(ev))

	assert.Equal(t, 0, tr.Sweep(time.Now()))
	n := tr.Sweep(time.Now().Add(2 * time.Minute))
	assert.Equal(t, 2, n, "machine and its counter entry")
	assert.Eventually(t, func() bool { return hub.Subscribers(ev) == 0 }, time.Second, 5*time.Millisecond)
	assert.False(t, tr.Counter().Live(ev))
}
