package tracker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/baechuer/real-time-ressys/services/registration-service/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		in      error
		want    error
		outcome string
	}{
		{"nil", nil, nil, "ok"},
		{"procedure result full", errors.New("register_for_event: event_full"), domain.ErrEventFull, "event_full"},
		{"uppercase message", errors.New("ERROR: EVENT_FULL (P0001)"), domain.ErrEventFull, "event_full"},
		{"not authenticated", errors.New("register_for_event: not_authenticated"), domain.ErrNotAuthenticated, "not_authenticated"},
		{"already registered", errors.New("register_for_event: already_registered"), domain.ErrAlreadyRegistered, "already_registered"},
		{"closed", errors.New("register_for_event: event_closed"), domain.ErrEventClosed, "event_closed"},
		{"missing event", errors.New("register_for_event: event_not_found"), domain.ErrEventNotFound, "event_not_found"},
		{"not registered", errors.New("cancel_event_registration: not_registered"), domain.ErrNotRegistered, "not_registered"},
		{"sentinel passes through", fmt.Errorf("wrap: %w", domain.ErrEventFull), domain.ErrEventFull, "event_full"},
		{"transport", errors.New("dial tcp: connection refused"), domain.ErrGenericAction, "error"},
		{"deadline", context.DeadlineExceeded, domain.ErrActionTimeout, "timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.in)
			if tt.want == nil {
				assert.NoError(t, got)
			} else {
				assert.ErrorIs(t, got, tt.want)
			}
			assert.Equal(t, tt.outcome, outcome(got))
		})
	}
}

func TestClassify_TimeoutIsGeneric(t *testing.T) {
	err := Classify(context.DeadlineExceeded)
	assert.ErrorIs(t, err, domain.ErrGenericAction)
	assert.ErrorIs(t, err, domain.ErrActionTimeout)
}

func TestClassify_TransportKeepsCause(t *testing.T) {
	cause := errors.New("connection reset by peer")
	err := Classify(cause)
	assert.ErrorIs(t, err, domain.ErrGenericAction)
	assert.ErrorIs(t, err, cause)
}
