package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/baechuer/real-time-ressys/services/registration-service/internal/changefeed"
	"github.com/baechuer/real-time-ressys/services/registration-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/registration-service/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ChangeSet is one drained batch of change triggers for a single event.
type ChangeSet []domain.Change

// Touches reports whether the batch may have changed userID's registration.
// Resync markers and event-row updates touch everyone.
func (s ChangeSet) Touches(userID uuid.UUID) bool {
	for _, c := range s {
		if changefeed.IsResync(c) || c.UserID == uuid.Nil || c.UserID == userID {
			return true
		}
	}
	return false
}

func (s ChangeSet) refreshesEvent() bool {
	for _, c := range s {
		if changefeed.IsResync(c) || c.Table == "events" {
			return true
		}
	}
	return false
}

type listener struct {
	gen      uint64
	onChange func(domain.CapacitySnapshot)
	onBatch  func(context.Context, ChangeSet)
}

type tracked struct {
	snap      domain.CapacitySnapshot
	known     bool
	counted   uint64 // stamp of the last authoritative write
	listeners map[string]listener
	stop      context.CancelFunc
	lastUsed  time.Time
}

// Counter keeps a live (enrolled, capacity) snapshot per event. One
// reconciliation loop runs per event while it has listeners; every change
// trigger causes an authoritative re-count, never a local increment.
type Counter struct {
	store domain.RemoteStore
	feed  domain.ChangeFeed
	cache domain.CountCache
	log   zerolog.Logger

	base   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	events map[uuid.UUID]*tracked
	gen    uint64
	stamp  uint64
	loops  sync.WaitGroup
}

func NewCounter(store domain.RemoteStore, feed domain.ChangeFeed, cache domain.CountCache, log zerolog.Logger) *Counter {
	ctx, cancel := context.WithCancel(context.Background())
	return &Counter{
		store:  store,
		feed:   feed,
		cache:  cache,
		log:    log.With().Str("component", "capacity_counter").Logger(),
		base:   ctx,
		cancel: cancel,
		events: make(map[uuid.UUID]*tracked),
	}
}

// Initialize fetches capacity and the enrolled count. The count is read
// through the cache when one is configured. Failures surface as
// ErrTransientFetch (or ErrEventNotFound).
func (c *Counter) Initialize(ctx context.Context, eventID uuid.UUID) (domain.CapacitySnapshot, error) {
	ev, err := c.store.GetEvent(ctx, eventID)
	if err != nil {
		if errors.Is(err, domain.ErrEventNotFound) {
			return domain.CapacitySnapshot{}, domain.ErrEventNotFound
		}
		return domain.CapacitySnapshot{}, fmt.Errorf("%w: get event: %w", domain.ErrTransientFetch, err)
	}

	enrolled, hit := c.cachedCount(ctx, eventID)
	if !hit {
		enrolled, err = c.store.CountRegistrations(ctx, eventID)
		if err != nil {
			return domain.CapacitySnapshot{}, fmt.Errorf("%w: count registrations: %w", domain.ErrTransientFetch, err)
		}
		c.storeCount(ctx, eventID, enrolled)
	}

	snap := domain.CapacitySnapshot{
		EventID:  eventID,
		Enrolled: enrolled,
		Capacity: ev.CapacityValue(),
		AsOf:     time.Now().UTC(),
	}

	c.mu.Lock()
	t := c.entryLocked(eventID)
	t.snap = snap
	t.known = true
	t.counted = c.nextStampLocked()
	c.mu.Unlock()

	return snap, nil
}

// Snapshot returns the last known snapshot for eventID.
func (c *Counter) Snapshot(eventID uuid.UUID) (domain.CapacitySnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.events[eventID]
	if !ok || !t.known {
		return domain.CapacitySnapshot{}, false
	}
	t.lastUsed = time.Now()
	return t.snap, true
}

// Live reports whether a reconciliation loop currently keeps eventID fresh.
func (c *Counter) Live(eventID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.events[eventID]
	return ok && t.known && t.stop != nil
}

// Subscribe registers onChange for snapshot updates on eventID. Subscribing
// again with the same key replaces the earlier callback. The returned func
// removes this registration only.
func (c *Counter) Subscribe(ctx context.Context, eventID uuid.UUID, key string, onChange func(domain.CapacitySnapshot)) (func(), error) {
	return c.listen(ctx, eventID, key, listener{onChange: onChange})
}

// watch registers a per-batch hook, used by registration machines to
// reconcile their own state.
func (c *Counter) watch(ctx context.Context, eventID uuid.UUID, key string, onBatch func(context.Context, ChangeSet)) (func(), error) {
	return c.listen(ctx, eventID, key, listener{onBatch: onBatch})
}

func (c *Counter) listen(ctx context.Context, eventID uuid.UUID, key string, l listener) (func(), error) {
	c.mu.Lock()
	c.gen++
	l.gen = c.gen
	t := c.entryLocked(eventID)
	t.listeners[key] = l

	if t.stop == nil {
		loopCtx, stop := context.WithCancel(c.base)
		changes, unsubscribe, err := c.feed.Subscribe(loopCtx, eventID)
		if err != nil {
			stop()
			delete(t.listeners, key)
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: subscribe: %w", domain.ErrTransientFetch, err)
		}
		t.stop = func() {
			stop()
			unsubscribe()
		}
		c.loops.Add(1)
		go c.run(loopCtx, eventID, changes)
		metrics.SetTrackedEvents(c.liveLocked())
	}
	c.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() { c.remove(eventID, key, l.gen) })
	}
	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			unsubscribe()
		}()
	}
	return unsubscribe, nil
}

func (c *Counter) remove(eventID uuid.UUID, key string, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.events[eventID]
	if !ok {
		return
	}
	if cur, ok := t.listeners[key]; ok && cur.gen == gen {
		delete(t.listeners, key)
	}
	t.lastUsed = time.Now()
	if len(t.listeners) == 0 && t.stop != nil {
		t.stop()
		t.stop = nil
		metrics.SetTrackedEvents(c.liveLocked())
	}
}

// BumpOptimistic applies delta to the known snapshot and notifies
// subscribers. The next authoritative re-count overwrites it.
func (c *Counter) BumpOptimistic(eventID uuid.UUID, delta int) (domain.CapacitySnapshot, bool) {
	return c.bump(eventID, delta, 0, false)
}

// CountVersion identifies the authoritative count currently held for
// eventID. Zero means none.
func (c *Counter) CountVersion(eventID uuid.UUID) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.events[eventID]; ok {
		return t.counted
	}
	return 0
}

// BumpOptimisticSince is BumpOptimistic for an action that started when
// CountVersion returned version. If an authoritative count landed in the
// meantime it already includes the action, and the bump is skipped.
func (c *Counter) BumpOptimisticSince(eventID uuid.UUID, delta int, version uint64) (domain.CapacitySnapshot, bool) {
	return c.bump(eventID, delta, version, true)
}

func (c *Counter) bump(eventID uuid.UUID, delta int, version uint64, checked bool) (domain.CapacitySnapshot, bool) {
	c.mu.Lock()
	t, ok := c.events[eventID]
	if !ok || !t.known || (checked && t.counted != version) {
		c.mu.Unlock()
		return domain.CapacitySnapshot{}, false
	}
	t.snap = t.snap.Bump(delta)
	snap := t.snap
	fns := snapshotListeners(t)
	c.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
	return snap, true
}

// Sweep forgets events that have no listeners and were not used since
// before the cutoff.
func (c *Counter) Sweep(cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, t := range c.events {
		if len(t.listeners) == 0 && t.stop == nil && t.lastUsed.Before(cutoff) {
			delete(c.events, id)
			n++
		}
	}
	return n
}

// Close stops every reconciliation loop and waits for them to exit.
func (c *Counter) Close() {
	c.cancel()
	c.mu.Lock()
	for _, t := range c.events {
		if t.stop != nil {
			t.stop()
			t.stop = nil
		}
	}
	metrics.SetTrackedEvents(0)
	c.mu.Unlock()
	c.loops.Wait()
}

func (c *Counter) run(ctx context.Context, eventID uuid.UUID, changes <-chan domain.Change) {
	defer c.loops.Done()
	log := c.log.With().Str("event_id", eventID.String()).Logger()
	log.Debug().Msg("reconciliation loop started")
	defer log.Debug().Msg("reconciliation loop stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case first, ok := <-changes:
			if !ok {
				return
			}
			batch := ChangeSet{first}
		drain:
			for {
				select {
				case next, ok := <-changes:
					if !ok {
						break drain
					}
					batch = append(batch, next)
				default:
					break drain
				}
			}
			for _, ch := range batch {
				metrics.RecordChange(ch.Table)
			}
			c.recount(ctx, eventID, batch.refreshesEvent())
			c.dispatch(ctx, eventID, batch)
		}
	}
}

// recount re-queries the authoritative count. A failed re-count keeps the
// previous snapshot; the next trigger retries.
func (c *Counter) recount(ctx context.Context, eventID uuid.UUID, refreshEvent bool) {
	enrolled, err := c.store.CountRegistrations(ctx, eventID)
	if err != nil {
		metrics.RecordRecount(false)
		if ctx.Err() == nil {
			c.log.Warn().Err(err).Str("event_id", eventID.String()).Msg("re-count failed, keeping previous snapshot")
		}
		return
	}

	capacity := -1
	if refreshEvent {
		ev, err := c.store.GetEvent(ctx, eventID)
		if err != nil {
			metrics.RecordRecount(false)
			c.log.Warn().Err(err).Str("event_id", eventID.String()).Msg("event refresh failed, keeping previous capacity")
		} else {
			capacity = ev.CapacityValue()
		}
	}
	metrics.RecordRecount(true)
	c.storeCount(ctx, eventID, enrolled)

	c.mu.Lock()
	t, ok := c.events[eventID]
	if !ok {
		c.mu.Unlock()
		return
	}
	if capacity < 0 {
		if !t.known {
			// capacity was never loaded; leave it to Initialize
			c.mu.Unlock()
			return
		}
		capacity = t.snap.Capacity
	}
	t.snap = domain.CapacitySnapshot{
		EventID:  eventID,
		Enrolled: enrolled,
		Capacity: capacity,
		AsOf:     time.Now().UTC(),
	}
	t.known = true
	t.counted = c.nextStampLocked()
	snap := t.snap
	fns := snapshotListeners(t)
	c.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

func (c *Counter) dispatch(ctx context.Context, eventID uuid.UUID, batch ChangeSet) {
	c.mu.Lock()
	t, ok := c.events[eventID]
	if !ok {
		c.mu.Unlock()
		return
	}
	var hooks []func(context.Context, ChangeSet)
	for _, l := range t.listeners {
		if l.onBatch != nil {
			hooks = append(hooks, l.onBatch)
		}
	}
	c.mu.Unlock()

	for _, h := range hooks {
		h(ctx, batch)
	}
}

func (c *Counter) cachedCount(ctx context.Context, eventID uuid.UUID) (int, bool) {
	if c.cache == nil {
		return 0, false
	}
	n, err := c.cache.GetCount(ctx, eventID)
	if err != nil {
		if !errors.Is(err, domain.ErrCacheMiss) {
			c.log.Debug().Err(err).Msg("count cache read failed")
		}
		return 0, false
	}
	return n, true
}

func (c *Counter) storeCount(ctx context.Context, eventID uuid.UUID, n int) {
	if c.cache == nil {
		return
	}
	if err := c.cache.SetCount(ctx, eventID, n); err != nil {
		c.log.Debug().Err(err).Msg("count cache write failed")
	}
}

func (c *Counter) entryLocked(eventID uuid.UUID) *tracked {
	t, ok := c.events[eventID]
	if !ok {
		t = &tracked{listeners: make(map[string]listener)}
		c.events[eventID] = t
	}
	t.lastUsed = time.Now()
	return t
}

func (c *Counter) nextStampLocked() uint64 {
	c.stamp++
	return c.stamp
}

func (c *Counter) liveLocked() int {
	n := 0
	for _, t := range c.events {
		if t.stop != nil {
			n++
		}
	}
	return n
}

func snapshotListeners(t *tracked) []func(domain.CapacitySnapshot) {
	fns := make([]func(domain.CapacitySnapshot), 0, len(t.listeners))
	for _, l := range t.listeners {
		if l.onChange != nil {
			fns = append(fns, l.onChange)
		}
	}
	return fns
}
