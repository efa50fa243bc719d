package audit

import (
	"context"
	"errors"

	"github.com/baechuer/real-time-ressys/services/registration-service/internal/domain"
	appCtx "github.com/baechuer/real-time-ressys/services/registration-service/internal/pkg/context"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Logger writes registration business events as audit=true log lines.
type Logger struct {
	log zerolog.Logger
}

func New(log zerolog.Logger) *Logger {
	return &Logger{log: log.With().Bool("audit", true).Logger()}
}

func (l *Logger) Registered(ctx context.Context, eventID, userID uuid.UUID) {
	l.log.Info().
		Str("action", "registration_created").
		Str("event_id", eventID.String()).
		Str("user_id", userID.String()).
		Str("trace_id", appCtx.GetRequestID(ctx)).
		Msg("User registered for event")
}

func (l *Logger) Canceled(ctx context.Context, eventID, userID uuid.UUID) {
	l.log.Info().
		Str("action", "registration_canceled").
		Str("event_id", eventID.String()).
		Str("user_id", userID.String()).
		Str("trace_id", appCtx.GetRequestID(ctx)).
		Msg("User canceled registration")
}

// ActionFailed records rejected or failed actions. Business rejections are
// info, anything else is a warning.
func (l *Logger) ActionFailed(ctx context.Context, action string, eventID, userID uuid.UUID, err error) {
	ev := l.log.Warn()
	if rejected(err) {
		ev = l.log.Info()
	}
	ev.Str("action", action+"_failed").
		Str("event_id", eventID.String()).
		Str("user_id", userID.String()).
		Str("trace_id", appCtx.GetRequestID(ctx)).
		Err(err).
		Msg("Registration action failed")
}

func rejected(err error) bool {
	for _, target := range []error{
		domain.ErrEventFull,
		domain.ErrAlreadyRegistered,
		domain.ErrNotRegistered,
		domain.ErrEventClosed,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
