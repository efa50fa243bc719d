package event

import "time"

const Version = 1

// Envelope wraps every message on the city.events exchange.
// message_id is optional for older producers.
type Envelope[T any] struct {
	Version    int       `json:"version"`
	Producer   string    `json:"producer"`
	TraceID    string    `json:"trace_id,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    T         `json:"payload"`
}

// CatalogPayload is carried by event.published and event.updated.
// Unknown fields are ignored; pointers detect missing values.
type CatalogPayload struct {
	EventID  string     `json:"event_id"`
	Kind     string     `json:"kind,omitempty"` // event | activity
	Title    string     `json:"title"`
	StartsAt *time.Time `json:"start_time,omitempty"`
	Capacity *int       `json:"capacity,omitempty"`
	Price    *float64   `json:"price,omitempty"`
	Status   string     `json:"status,omitempty"`
}

// CanceledPayload accepts the legacy "id" field as well.
type CanceledPayload struct {
	EventID string `json:"event_id,omitempty"`
	ID      string `json:"id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// RegistrationPayload is published as registration.created and
// registration.canceled.
type RegistrationPayload struct {
	EventID string `json:"event_id"`
	UserID  string `json:"user_id"`
}
