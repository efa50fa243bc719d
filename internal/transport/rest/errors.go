package rest

import (
	"errors"
	"net/http"

	"github.com/baechuer/real-time-ressys/services/registration-service/internal/domain"
	appCtx "github.com/baechuer/real-time-ressys/services/registration-service/internal/pkg/context"
	"github.com/baechuer/real-time-ressys/services/registration-service/internal/pkg/logger"
	"github.com/baechuer/real-time-ressys/services/registration-service/internal/transport/rest/response"
)

type errMapping struct {
	target error
	status int
	code   string
}

// Order matters: a timeout is wrapped in ErrGenericAction, and both
// classified and transient errors may wrap a more specific sentinel.
var errMappings = []errMapping{
	{domain.ErrNotAuthenticated, http.StatusUnauthorized, "auth.unauthorized"},
	{domain.ErrEventFull, http.StatusConflict, "event.full"},
	{domain.ErrAlreadyRegistered, http.StatusConflict, "registration.already_registered"},
	{domain.ErrActionInFlight, http.StatusConflict, "registration.in_flight"},
	{domain.ErrNotConfirmed, http.StatusPreconditionRequired, "registration.confirmation_required"},
	{domain.ErrNotRegistered, http.StatusNotFound, "registration.not_registered"},
	{domain.ErrEventClosed, http.StatusGone, "event.closed"},
	{domain.ErrEventNotFound, http.StatusNotFound, "event.not_found"},
	{domain.ErrGenericAction, http.StatusServiceUnavailable, "registration.failed"},
	{domain.ErrTransientFetch, http.StatusServiceUnavailable, "capacity.unavailable"},
}

func handleErr(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range errMappings {
		if !errors.Is(err, m.target) {
			continue
		}
		if m.status == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "2")
			logger.WithCtx(r.Context()).Warn().Err(err).Str("code", m.code).Msg("request failed")
		}
		n := domain.NoticeFor(err)
		fail(w, r, m.status, m.code, n.Message, map[string]string{"notice": string(n.Kind)})
		return
	}

	// do not leak internal details
	logger.WithCtx(r.Context()).Error().Err(err).Msg("unhandled error")
	fail(w, r, http.StatusInternalServerError, "internal", "internal error", nil)
}

func fail(w http.ResponseWriter, r *http.Request, status int, code, message string, meta map[string]string) {
	response.Fail(w, status, code, message, meta, appCtx.TraceID(r.Context()))
}
