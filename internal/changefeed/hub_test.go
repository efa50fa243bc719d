package changefeed

import (
	"context"
	"testing"
	"time"

	"github.com/baechuer/real-time-ressys/services/registration-service/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan domain.Change) domain.Change {
	t.Helper()
	select {
	case c, ok := <-ch:
		require.True(t, ok, "channel closed")
		return c
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change")
		return domain.Change{}
	}
}

func TestHub_PublishIsScopedToEvent(t *testing.T) {
	h := NewHub()
	a, b := uuid.New(), uuid.New()

	chA, unsubA, err := h.Subscribe(context.Background(), a)
	require.NoError(t, err)
	defer unsubA()
	chB, unsubB, err := h.Subscribe(context.Background(), b)
	require.NoError(t, err)
	defer unsubB()

	user := uuid.New()
	n := h.Publish(domain.Change{Table: "event_registrations", Op: domain.OpInsert, EventID: a, UserID: user})
	assert.Equal(t, 1, n)

	got := recv(t, chA)
	assert.Equal(t, a, got.EventID)
	assert.Equal(t, user, got.UserID)

	select {
	case c := <-chB:
		t.Fatalf("unexpected delivery to other event: %+v", c)
	default:
	}
}

func TestHub_OverflowCollapsesToResync(t *testing.T) {
	h := NewHubWithBuffer(2)
	ev := uuid.New()
	ch, unsub, err := h.Subscribe(context.Background(), ev)
	require.NoError(t, err)
	defer unsub()

	for i := 0; i < 5; i++ {
		h.Publish(domain.Change{Table: "event_registrations", Op: domain.OpInsert, EventID: ev, UserID: uuid.New()})
	}

	got := recv(t, ch)
	assert.True(t, IsResync(got))
	assert.Equal(t, ev, got.EventID)
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	h := NewHub()
	ev := uuid.New()
	ch, unsub, err := h.Subscribe(context.Background(), ev)
	require.NoError(t, err)

	unsub()
	unsub() // idempotent

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, h.Subscribers(ev))
	assert.Equal(t, 0, h.Publish(domain.Change{EventID: ev}))
}

func TestHub_ContextCancelUnsubscribes(t *testing.T) {
	h := NewHub()
	ev := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())
	ch, _, err := h.Subscribe(ctx, ev)
	require.NoError(t, err)

	cancel()
	assert.Eventually(t, func() bool { return h.Subscribers(ev) == 0 }, time.Second, 5*time.Millisecond)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestHub_ResyncReachesEverySubscriber(t *testing.T) {
	h := NewHub()
	a, b := uuid.New(), uuid.New()
	chA, _, _ := h.Subscribe(context.Background(), a)
	chB, _, _ := h.Subscribe(context.Background(), b)

	h.Resync()

	assert.True(t, IsResync(recv(t, chA)))
	assert.True(t, IsResync(recv(t, chB)))
}

func TestHub_Close(t *testing.T) {
	h := NewHub()
	ev := uuid.New()
	ch, unsub, err := h.Subscribe(context.Background(), ev)
	require.NoError(t, err)

	h.Close()
	unsub()

	_, ok := <-ch
	assert.False(t, ok)

	_, _, err = h.Subscribe(context.Background(), ev)
	assert.ErrorIs(t, err, ErrClosed)
}
