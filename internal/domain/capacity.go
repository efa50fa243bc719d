package domain

import (
	"time"

	"github.com/google/uuid"
)

// CapacitySnapshot is the locally held (enrolled, capacity) read model for one event.
//
// Semantics:
// - capacity <= 0: not capacity-limited, Remaining reports unbounded, never fully booked
// - otherwise: remaining = max(0, capacity-enrolled), fully booked iff enrolled >= capacity
type CapacitySnapshot struct {
	EventID     uuid.UUID `json:"event_id"`
	Enrolled    int       `json:"enrolled"`
	Capacity    int       `json:"capacity"`
	Provisional bool      `json:"provisional"`
	AsOf        time.Time `json:"as_of"`
}

// Remaining returns the free spots; ok=false means unbounded.
func (s CapacitySnapshot) Remaining() (n int, ok bool) {
	if s.Capacity <= 0 {
		return 0, false
	}
	left := s.Capacity - s.Enrolled
	if left < 0 {
		left = 0
	}
	return left, true
}

func (s CapacitySnapshot) FullyBooked() bool {
	return s.Capacity > 0 && s.Enrolled >= s.Capacity
}

// Bump applies an optimistic delta clamped at zero. The result is provisional.
func (s CapacitySnapshot) Bump(delta int) CapacitySnapshot {
	s.Enrolled += delta
	if s.Enrolled < 0 {
		s.Enrolled = 0
	}
	s.Provisional = true
	s.AsOf = time.Now().UTC()
	return s
}

// CapacityView is the JSON shape handed to the presentation layer.
type CapacityView struct {
	EventID     uuid.UUID `json:"event_id"`
	Enrolled    int       `json:"enrolled"`
	Capacity    *int      `json:"capacity"`
	Remaining   *int      `json:"remaining"`
	FullyBooked bool      `json:"fully_booked"`
	Provisional bool      `json:"provisional"`
	AsOf        time.Time `json:"as_of"`
}

func (s CapacitySnapshot) View() CapacityView {
	v := CapacityView{
		EventID:     s.EventID,
		Enrolled:    s.Enrolled,
		FullyBooked: s.FullyBooked(),
		Provisional: s.Provisional,
		AsOf:        s.AsOf,
	}
	if n, ok := s.Remaining(); ok {
		c := s.Capacity
		v.Capacity = &c
		v.Remaining = &n
	}
	return v
}
