package domain

import "errors"

type RegistrationState string

const (
	StateUnknown       RegistrationState = "unknown"
	StateNotRegistered RegistrationState = "not_registered"
	StateRegistered    RegistrationState = "registered"
	StateSubmitting    RegistrationState = "submitting"
)

// Settled reports whether the state is a confirmed, authoritative one.
func (s RegistrationState) Settled() bool {
	return s == StateRegistered || s == StateNotRegistered
}

func StateFor(registered bool) RegistrationState {
	if registered {
		return StateRegistered
	}
	return StateNotRegistered
}

type NoticeKind string

const (
	NoticeRegistered      NoticeKind = "registered"
	NoticeCanceled        NoticeKind = "canceled"
	NoticeSoldOut         NoticeKind = "sold_out"
	NoticeSignIn          NoticeKind = "sign_in_required"
	NoticeAlreadyBooked   NoticeKind = "already_registered"
	NoticeNotBooked       NoticeKind = "not_registered"
	NoticeClosed          NoticeKind = "event_closed"
	NoticeConfirmCancel   NoticeKind = "confirm_cancel"
	NoticeBusy            NoticeKind = "in_flight"
	NoticeTryAgain        NoticeKind = "try_again"
	NoticeCapacityLoading NoticeKind = "capacity_loading"
)

// Notice is the user-visible outcome of an action. Messages never include
// transport error text.
type Notice struct {
	Kind    NoticeKind `json:"kind"`
	Message string     `json:"message"`
}

var (
	RegisteredNotice = Notice{Kind: NoticeRegistered, Message: "You're registered. See you there!"}
	CanceledNotice   = Notice{Kind: NoticeCanceled, Message: "Your registration has been cancelled."}
)

func NoticeFor(err error) Notice {
	switch {
	case err == nil:
		return Notice{}
	case errors.Is(err, ErrEventFull):
		return Notice{Kind: NoticeSoldOut, Message: "Sorry, this event is sold out."}
	case errors.Is(err, ErrNotAuthenticated):
		return Notice{Kind: NoticeSignIn, Message: "Please sign in to manage your registration."}
	case errors.Is(err, ErrAlreadyRegistered):
		return Notice{Kind: NoticeAlreadyBooked, Message: "You're already registered for this event."}
	case errors.Is(err, ErrNotRegistered):
		return Notice{Kind: NoticeNotBooked, Message: "You don't have a registration for this event."}
	case errors.Is(err, ErrEventClosed), errors.Is(err, ErrEventNotFound):
		return Notice{Kind: NoticeClosed, Message: "This event is no longer taking registrations."}
	case errors.Is(err, ErrNotConfirmed):
		return Notice{Kind: NoticeConfirmCancel, Message: "Please confirm that you want to cancel your registration."}
	case errors.Is(err, ErrActionInFlight):
		return Notice{Kind: NoticeBusy, Message: "We're still working on your last request."}
	case errors.Is(err, ErrTransientFetch):
		return Notice{Kind: NoticeCapacityLoading, Message: "Availability is loading, please refresh in a moment."}
	default:
		return Notice{Kind: NoticeTryAgain, Message: "We couldn't complete that. Please try again."}
	}
}
