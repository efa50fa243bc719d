package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type EventKind string

const (
	KindEvent    EventKind = "event"
	KindActivity EventKind = "activity"
)

type EventStatus string

const (
	EventPublished EventStatus = "published"
	EventCanceled  EventStatus = "canceled"
)

var (
	// Taxonomy surfaced to the presentation layer.
	ErrTransientFetch   = errors.New("registration data temporarily unavailable")
	ErrEventFull        = errors.New("event is full")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrGenericAction    = errors.New("action could not be completed")

	ErrAlreadyRegistered = errors.New("already registered for event")
	ErrNotRegistered     = errors.New("not registered for event")
	ErrActionInFlight    = errors.New("registration action already in flight")
	ErrNotConfirmed      = errors.New("cancellation not confirmed")
	ErrActionTimeout     = errors.New("registration action timed out")
	ErrEventClosed       = errors.New("event is closed")
	ErrEventNotFound     = errors.New("event not found")

	ErrCacheMiss = errors.New("cache miss")
)

// Event is an orderable, bookable offering (event or activity).
// Capacity nil or 0 means the offering is not capacity-limited.
type Event struct {
	ID        uuid.UUID   `json:"id"`
	Kind      EventKind   `json:"kind"`
	Title     string      `json:"title"`
	StartsAt  time.Time   `json:"starts_at"`
	Capacity  *int        `json:"capacity,omitempty"`
	Price     *float64    `json:"price,omitempty"`
	Status    EventStatus `json:"status"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// CapacityValue flattens the optional capacity; 0 means unbounded.
func (e Event) CapacityValue() int {
	if e.Capacity == nil || *e.Capacity < 0 {
		return 0
	}
	return *e.Capacity
}

type Registration struct {
	ID        uuid.UUID `json:"id"`
	EventID   uuid.UUID `json:"event_id"`
	UserID    uuid.UUID `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

type ChangeOp string

const (
	OpInsert ChangeOp = "INSERT"
	OpDelete ChangeOp = "DELETE"
	OpUpdate ChangeOp = "UPDATE"
)

// Change is a "something changed for this event" trigger. It never carries
// the new count; consumers re-query.
type Change struct {
	Table   string    `json:"table"`
	Op      ChangeOp  `json:"op"`
	EventID uuid.UUID `json:"event_id"`
	UserID  uuid.UUID `json:"user_id,omitempty"`
}

// Session is the explicit auth context handed to the tracker. A nil UserID
// means nobody is signed in.
type Session struct {
	UserID *uuid.UUID
	Role   string
}

func Anonymous() Session { return Session{} }

func UserSession(id uuid.UUID, role string) Session {
	return Session{UserID: &id, Role: role}
}

func (s Session) Authenticated() bool { return s.UserID != nil && *s.UserID != uuid.Nil }

// RemoteStore is the boundary to the hosted data store and its two atomic
// remote procedures. RegisterForEvent/CancelRegistration return nil only when
// the procedure's result channel reported success.
type RemoteStore interface {
	GetEvent(ctx context.Context, eventID uuid.UUID) (Event, error)
	CountRegistrations(ctx context.Context, eventID uuid.UUID) (int, error)
	HasRegistration(ctx context.Context, eventID, userID uuid.UUID) (bool, error)

	RegisterForEvent(ctx context.Context, eventID, userID uuid.UUID) error
	CancelRegistration(ctx context.Context, eventID, userID uuid.UUID) error
}

// CatalogStore is the admin/browse side of the data store.
type CatalogStore interface {
	ListUpcoming(ctx context.Context, from time.Time, limit int) ([]Event, error)
	UpsertEvent(ctx context.Context, e Event) error
}

// ChangeFeed delivers at-least-once, possibly duplicated change triggers
// scoped to one event. The returned func unsubscribes.
type ChangeFeed interface {
	Subscribe(ctx context.Context, eventID uuid.UUID) (<-chan Change, func(), error)
}

type CountCache interface {
	GetCount(ctx context.Context, eventID uuid.UUID) (int, error)
	SetCount(ctx context.Context, eventID uuid.UUID, count int) error
}

type RateLimiter interface {
	AllowRequest(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
