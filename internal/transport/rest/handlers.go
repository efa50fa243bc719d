package rest

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/baechuer/real-time-ressys/services/registration-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/registration-service/internal/pkg/logger"
	"github.com/baechuer/real-time-ressys/services/registration-service/internal/tracker"
	"github.com/baechuer/real-time-ressys/services/registration-service/internal/transport/rest/response"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Registrations is the tracker surface the handlers drive.
type Registrations interface {
	Capacity(ctx context.Context, eventID uuid.UUID) (domain.CapacitySnapshot, error)
	SubscribeCapacity(ctx context.Context, eventID uuid.UUID, key string, onChange func(domain.CapacitySnapshot)) (func(), error)
	Status(ctx context.Context, s domain.Session, eventID uuid.UUID) (domain.RegistrationState, error)
	Register(ctx context.Context, s domain.Session, eventID uuid.UUID) (domain.Notice, error)
	Cancel(ctx context.Context, s domain.Session, eventID uuid.UUID, confirm tracker.Confirmer) (domain.Notice, error)
}

// Catalog is the browse/admin side of the store.
type Catalog interface {
	GetEvent(ctx context.Context, eventID uuid.UUID) (domain.Event, error)
	ListUpcoming(ctx context.Context, from time.Time, limit int) ([]domain.Event, error)
	UpsertEvent(ctx context.Context, e domain.Event) error
	ListRegistrations(ctx context.Context, userID uuid.UUID, limit int) ([]domain.Registration, error)
}

type Handler struct {
	regs      Registrations
	catalog   Catalog
	heartbeat time.Duration
}

func NewHandler(regs Registrations, catalog Catalog) *Handler {
	return &Handler{regs: regs, catalog: catalog, heartbeat: 15 * time.Second}
}

type noticeMeta struct {
	Notice domain.Notice `json:"notice"`
}

type registrationView struct {
	EventID  uuid.UUID                `json:"event_id"`
	State    domain.RegistrationState `json:"state"`
	Capacity *domain.CapacityView     `json:"capacity,omitempty"`
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	from := time.Now().UTC()
	if s := strings.TrimSpace(r.URL.Query().Get("from")); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			fail(w, r, http.StatusBadRequest, "request.invalid", "invalid from", map[string]string{
				"from": "must be RFC3339",
			})
			return
		}
		from = t.UTC()
	}

	events, err := h.catalog.ListUpcoming(r.Context(), from, parseLimit(r.URL.Query().Get("limit")))
	if err != nil {
		handleErr(w, r, err)
		return
	}
	if events == nil {
		events = []domain.Event{}
	}
	response.Data(w, http.StatusOK, events)
}

func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	eventID, ok := eventIDParam(w, r)
	if !ok {
		return
	}
	ev, err := h.catalog.GetEvent(r.Context(), eventID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, ev)
}

func (h *Handler) Capacity(w http.ResponseWriter, r *http.Request) {
	eventID, ok := eventIDParam(w, r)
	if !ok {
		return
	}
	snap, err := h.regs.Capacity(r.Context(), eventID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, snap.View())
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	eventID, ok := eventIDParam(w, r)
	if !ok {
		return
	}
	state, err := h.regs.Status(r.Context(), SessionFrom(r.Context()), eventID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, registrationView{EventID: eventID, State: state})
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	eventID, ok := eventIDParam(w, r)
	if !ok {
		return
	}
	notice, err := h.regs.Register(r.Context(), SessionFrom(r.Context()), eventID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	h.settled(w, r, http.StatusCreated, eventID, domain.StateRegistered, notice)
}

// Cancel needs ?confirm=true; without it the tracker answers
// confirmation_required and nothing is sent to the store.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	eventID, ok := eventIDParam(w, r)
	if !ok {
		return
	}
	confirmed, _ := strconv.ParseBool(strings.TrimSpace(r.URL.Query().Get("confirm")))

	notice, err := h.regs.Cancel(r.Context(), SessionFrom(r.Context()), eventID, tracker.Confirmed(confirmed))
	if err != nil {
		handleErr(w, r, err)
		return
	}
	h.settled(w, r, http.StatusOK, eventID, domain.StateNotRegistered, notice)
}

func (h *Handler) settled(w http.ResponseWriter, r *http.Request, status int, eventID uuid.UUID, state domain.RegistrationState, notice domain.Notice) {
	view := registrationView{EventID: eventID, State: state}
	if snap, err := h.regs.Capacity(r.Context(), eventID); err == nil {
		v := snap.View()
		view.Capacity = &v
	} else {
		logger.WithCtx(r.Context()).Debug().Err(err).Msg("capacity omitted from response")
	}
	response.DataWithMeta(w, status, view, noticeMeta{Notice: notice})
}

func (h *Handler) MyRegistrations(w http.ResponseWriter, r *http.Request) {
	s := SessionFrom(r.Context())
	regs, err := h.catalog.ListRegistrations(r.Context(), *s.UserID, parseLimit(r.URL.Query().Get("limit")))
	if err != nil {
		handleErr(w, r, err)
		return
	}
	if regs == nil {
		regs = []domain.Registration{}
	}
	response.Data(w, http.StatusOK, regs)
}

func eventIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "eventID"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid eventID", map[string]string{
			"event_id": "must be a valid uuid",
		})
		return uuid.Nil, false
	}
	return id, true
}

// parseLimit returns 0 for missing or bad input; the store applies its own
// default and cap.
func parseLimit(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
