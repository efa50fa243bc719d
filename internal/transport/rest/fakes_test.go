package rest

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/baechuer/real-time-ressys/services/registration-service/internal/changefeed"
	"github.com/baechuer/real-time-ressys/services/registration-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/registration-service/internal/security"
	"github.com/baechuer/real-time-ressys/services/registration-service/internal/tracker"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// fakeStore serves both the tracker's RemoteStore and the handler Catalog.
// Procedure failures come back as bare status text, the way the database
// reports them.
type fakeStore struct {
	mu       sync.Mutex
	events   map[uuid.UUID]domain.Event
	regs     map[uuid.UUID]map[uuid.UUID]time.Time
	upserted []domain.Event
	listErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		events: make(map[uuid.UUID]domain.Event),
		regs:   make(map[uuid.UUID]map[uuid.UUID]time.Time),
	}
}

func (s *fakeStore) addEvent(capacity, enrolled int) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	c := capacity
	s.events[id] = domain.Event{
		ID:       id,
		Kind:     domain.KindActivity,
		Title:    "Sound bath",
		StartsAt: time.Now().Add(48 * time.Hour).UTC(),
		Capacity: &c,
		Status:   domain.EventPublished,
	}
	s.regs[id] = make(map[uuid.UUID]time.Time)
	for i := 0; i < enrolled; i++ {
		s.regs[id][uuid.New()] = time.Now()
	}
	return id
}

func (s *fakeStore) enroll(eventID, userID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[eventID][userID] = time.Now()
}

func (s *fakeStore) GetEvent(_ context.Context, eventID uuid.UUID) (domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventID]
	if !ok {
		return domain.Event{}, domain.ErrEventNotFound
	}
	return ev, nil
}

func (s *fakeStore) CountRegistrations(_ context.Context, eventID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.regs[eventID]), nil
}

func (s *fakeStore) HasRegistration(_ context.Context, eventID, userID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.regs[eventID][userID]
	return ok, nil
}

func (s *fakeStore) RegisterForEvent(_ context.Context, eventID, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventID]
	switch {
	case !ok:
		return errors.New("event_not_found")
	case ev.Status == domain.EventCanceled:
		return errors.New("event_closed")
	}
	if _, dup := s.regs[eventID][userID]; dup {
		return errors.New("already_registered")
	}
	if c := ev.CapacityValue(); c > 0 && len(s.regs[eventID]) >= c {
		return errors.New("event_full")
	}
	s.regs[eventID][userID] = time.Now()
	return nil
}

func (s *fakeStore) CancelRegistration(_ context.Context, eventID, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.regs[eventID][userID]; !ok {
		return errors.New("not_registered")
	}
	delete(s.regs[eventID], userID)
	return nil
}

func (s *fakeStore) ListUpcoming(_ context.Context, from time.Time, _ int) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []domain.Event
	for _, ev := range s.events {
		if !ev.StartsAt.Before(from) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *fakeStore) UpsertEvent(_ context.Context, e domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Kind == "" {
		e.Kind = domain.KindEvent
	}
	if e.Status == "" {
		e.Status = domain.EventPublished
	}
	s.events[e.ID] = e
	if s.regs[e.ID] == nil {
		s.regs[e.ID] = make(map[uuid.UUID]time.Time)
	}
	s.upserted = append(s.upserted, e)
	return nil
}

func (s *fakeStore) ListRegistrations(_ context.Context, userID uuid.UUID, _ int) ([]domain.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Registration
	for eventID, users := range s.regs {
		if at, ok := users[userID]; ok {
			out = append(out, domain.Registration{ID: uuid.New(), EventID: eventID, UserID: userID, CreatedAt: at})
		}
	}
	return out, nil
}

// fakeVerifier maps raw tokens to claims.
type fakeVerifier map[string]security.TokenClaims

func (f fakeVerifier) VerifyAccessToken(token string) (security.TokenClaims, error) {
	c, ok := f[token]
	if !ok {
		return security.TokenClaims{}, security.ErrTokenInvalid
	}
	return c, nil
}

type fakeLimiter struct{ allow bool }

func (l fakeLimiter) AllowRequest(context.Context, string, int, time.Duration) (bool, error) {
	return l.allow, nil
}

type testEnv struct {
	store   *fakeStore
	hub     *changefeed.Hub
	tracker *tracker.Tracker
	handler *Handler
	userID  uuid.UUID
	adminID uuid.UUID
}

const (
	userToken  = "user-token"
	adminToken = "admin-token"
)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := newFakeStore()
	hub := changefeed.NewHub()
	tr := tracker.New(store, hub,
		tracker.WithActionTimeout(2*time.Second),
		tracker.WithLogger(zerolog.New(io.Discard)),
	)
	t.Cleanup(func() {
		tr.Close()
		hub.Close()
	})

	h := NewHandler(tr, store)
	h.heartbeat = 50 * time.Millisecond
	return &testEnv{
		store:   store,
		hub:     hub,
		tracker: tr,
		handler: h,
		userID:  uuid.New(),
		adminID: uuid.New(),
	}
}

func (e *testEnv) deps() RouterDeps {
	return RouterDeps{
		Handler: e.handler,
		Verifier: fakeVerifier{
			userToken:  {UserID: e.userID.String(), Role: "member", Issuer: "auth-service"},
			adminToken: {UserID: e.adminID.String(), Role: "admin", Issuer: "auth-service"},
		},
		JWTIssuer: "auth-service",
	}
}
