package tracker

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/baechuer/real-time-ressys/services/registration-service/internal/domain"
	"github.com/google/uuid"
)

// fakeStore is an in-memory RemoteStore. The *Fn fields override the
// default behavior of the two procedures.
type fakeStore struct {
	mu     sync.Mutex
	events map[uuid.UUID]domain.Event
	regs   map[uuid.UUID]map[uuid.UUID]bool

	getErr   error
	countErr error

	registerFn func(ctx context.Context, eventID, userID uuid.UUID) error
	cancelFn   func(ctx context.Context, eventID, userID uuid.UUID) error
	hasFn      func(ctx context.Context, eventID, userID uuid.UUID) (bool, error)

	hasCalls      atomic.Int32
	registerCalls atomic.Int32
	cancelCalls   atomic.Int32
	countCalls    atomic.Int32
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		events: make(map[uuid.UUID]domain.Event),
		regs:   make(map[uuid.UUID]map[uuid.UUID]bool),
	}
}

// addEvent creates an event with capacity and n anonymous registrations.
func (s *fakeStore) addEvent(capacity, enrolled int) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	c := capacity
	s.events[id] = domain.Event{ID: id, Kind: domain.KindEvent, Title: "Latte art", Capacity: &c, Status: domain.EventPublished}
	s.regs[id] = make(map[uuid.UUID]bool)
	for i := 0; i < enrolled; i++ {
		s.regs[id][uuid.New()] = true
	}
	return id
}

func (s *fakeStore) setRegistered(eventID, userID uuid.UUID, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.regs[eventID][userID] = true
	} else {
		delete(s.regs[eventID], userID)
	}
}

func (s *fakeStore) GetEvent(_ context.Context, eventID uuid.UUID) (domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return domain.Event{}, s.getErr
	}
	ev, ok := s.events[eventID]
	if !ok {
		return domain.Event{}, domain.ErrEventNotFound
	}
	return ev, nil
}

func (s *fakeStore) CountRegistrations(_ context.Context, eventID uuid.UUID) (int, error) {
	s.countCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.countErr != nil {
		return 0, s.countErr
	}
	return len(s.regs[eventID]), nil
}

func (s *fakeStore) HasRegistration(ctx context.Context, eventID, userID uuid.UUID) (bool, error) {
	s.hasCalls.Add(1)
	if s.hasFn != nil {
		return s.hasFn(ctx, eventID, userID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs[eventID][userID], nil
}

func (s *fakeStore) RegisterForEvent(ctx context.Context, eventID, userID uuid.UUID) error {
	s.registerCalls.Add(1)
	if s.registerFn != nil {
		return s.registerFn(ctx, eventID, userID)
	}
	s.setRegistered(eventID, userID, true)
	return nil
}

func (s *fakeStore) CancelRegistration(ctx context.Context, eventID, userID uuid.UUID) error {
	s.cancelCalls.Add(1)
	if s.cancelFn != nil {
		return s.cancelFn(ctx, eventID, userID)
	}
	s.setRegistered(eventID, userID, false)
	return nil
}

type fakeCache struct {
	mu     sync.Mutex
	counts map[uuid.UUID]int
}

func newFakeCache() *fakeCache { return &fakeCache{counts: make(map[uuid.UUID]int)} }

func (c *fakeCache) GetCount(_ context.Context, eventID uuid.UUID) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.counts[eventID]
	if !ok {
		return 0, domain.ErrCacheMiss
	}
	return n, nil
}

func (c *fakeCache) SetCount(_ context.Context, eventID uuid.UUID, n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[eventID] = n
	return nil
}

type recordingAuditor struct {
	mu         sync.Mutex
	registered int
	canceled   int
	failed     []string
}

func (a *recordingAuditor) Registered(context.Context, uuid.UUID, uuid.UUID) {
	a.mu.Lock()
	a.registered++
	a.mu.Unlock()
}

func (a *recordingAuditor) Canceled(context.Context, uuid.UUID, uuid.UUID) {
	a.mu.Lock()
	a.canceled++
	a.mu.Unlock()
}

func (a *recordingAuditor) ActionFailed(_ context.Context, action string, _, _ uuid.UUID, _ error) {
	a.mu.Lock()
	a.failed = append(a.failed, action)
	a.mu.Unlock()
}
