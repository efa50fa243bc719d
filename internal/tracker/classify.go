package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/baechuer/real-time-ressys/services/registration-service/internal/domain"
)

// result codes written to the procedures' result channel
var resultCodes = []struct {
	code string
	err  error
}{
	{"event_full", domain.ErrEventFull},
	{"not_authenticated", domain.ErrNotAuthenticated},
	{"already_registered", domain.ErrAlreadyRegistered},
	{"not_registered", domain.ErrNotRegistered},
	{"event_closed", domain.ErrEventClosed},
	{"event_not_found", domain.ErrEventNotFound},
}

// Classify maps a remote-procedure failure onto the error taxonomy. Known
// result codes are matched by substring on the message; everything else,
// including transport failures, is a generic action error that keeps the
// original error for logs.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	for _, c := range resultCodes {
		if errors.Is(err, c.err) {
			return c.err
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, domain.ErrActionTimeout) {
		return fmt.Errorf("%w: %w", domain.ErrGenericAction, domain.ErrActionTimeout)
	}

	msg := strings.ToLower(err.Error())
	for _, c := range resultCodes {
		if strings.Contains(msg, c.code) {
			return c.err
		}
	}

	if errors.Is(err, domain.ErrGenericAction) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrGenericAction, err)
}

// outcome is the metrics label for a classified error.
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, domain.ErrActionTimeout) {
		return "timeout"
	}
	for _, c := range resultCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "error"
}
