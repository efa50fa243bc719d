package changefeed

import (
	"context"
	"errors"
	"sync"

	"github.com/baechuer/real-time-ressys/services/registration-service/internal/domain"
	"github.com/google/uuid"
)

// TableResync marks a synthetic change: deliveries may have been lost, so
// everything about the event must be re-read.
const TableResync = "*"

// DefaultBuffer is the per-subscriber queue depth before the hub collapses
// pending changes into a single resync.
const DefaultBuffer = 64

var ErrClosed = errors.New("change feed closed")

type subscription struct {
	ch   chan domain.Change
	stop chan struct{}
	once sync.Once
}

// Hub fans one change stream out to per-event subscribers. Publish never
// blocks: when a subscriber falls behind, its queue is replaced by a resync
// marker so it still re-queries at least once.
type Hub struct {
	mu     sync.Mutex
	subs   map[uuid.UUID]map[uint64]*subscription
	next   uint64
	buffer int
	closed bool
}

func NewHub() *Hub {
	return NewHubWithBuffer(DefaultBuffer)
}

func NewHubWithBuffer(n int) *Hub {
	if n < 1 {
		n = 1
	}
	return &Hub{subs: make(map[uuid.UUID]map[uint64]*subscription), buffer: n}
}

// Subscribe implements domain.ChangeFeed. The subscription also ends when ctx
// is done.
func (h *Hub) Subscribe(ctx context.Context, eventID uuid.UUID) (<-chan domain.Change, func(), error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, nil, ErrClosed
	}
	h.next++
	id := h.next
	sub := &subscription{ch: make(chan domain.Change, h.buffer), stop: make(chan struct{})}
	if h.subs[eventID] == nil {
		h.subs[eventID] = make(map[uint64]*subscription)
	}
	h.subs[eventID][id] = sub
	h.mu.Unlock()

	unsubscribe := func() {
		sub.once.Do(func() {
			h.mu.Lock()
			if byID, ok := h.subs[eventID]; ok {
				if _, ok := byID[id]; ok {
					delete(byID, id)
					close(sub.ch)
				}
				if len(byID) == 0 {
					delete(h.subs, eventID)
				}
			}
			h.mu.Unlock()
			close(sub.stop)
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-sub.stop:
		}
	}()

	return sub.ch, unsubscribe, nil
}

// Publish delivers c to every subscriber of c.EventID and reports how many
// were reached.
func (h *Hub) Publish(c domain.Change) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for _, sub := range h.subs[c.EventID] {
		deliver(sub.ch, c)
		n++
	}
	return n
}

// Resync pushes a resync marker to every subscriber. Used after the upstream
// listener reconnects.
func (h *Hub) Resync() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for eventID, byID := range h.subs {
		for _, sub := range byID {
			deliver(sub.ch, domain.Change{Table: TableResync, EventID: eventID})
		}
	}
}

// Subscribers returns the number of live subscriptions for eventID.
func (h *Hub) Subscribers(eventID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[eventID])
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var ended []*subscription
	for eventID, byID := range h.subs {
		for id, sub := range byID {
			close(sub.ch)
			delete(byID, id)
			ended = append(ended, sub)
		}
		delete(h.subs, eventID)
	}
	h.mu.Unlock()

	for _, sub := range ended {
		sub.once.Do(func() { close(sub.stop) })
	}
}

// deliver must be called with the hub lock held; the hub is the only sender.
func deliver(ch chan domain.Change, c domain.Change) {
	select {
	case ch <- c:
		return
	default:
	}

	// full: drain and collapse into one resync marker
	for {
		select {
		case <-ch:
			continue
		default:
		}
		break
	}
	select {
	case ch <- domain.Change{Table: TableResync, EventID: c.EventID}:
	default:
	}
}

// IsResync reports whether c is the synthetic resync marker.
func IsResync(c domain.Change) bool {
	return c.Table == TableResync
}
