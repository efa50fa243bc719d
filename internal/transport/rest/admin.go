package rest

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/baechuer/real-time-ressys/services/registration-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/registration-service/internal/transport/rest/response"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report json field names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type upsertEventRequest struct {
	Kind     string    `json:"kind" validate:"omitempty,oneof=event activity"`
	Title    string    `json:"title" validate:"required,max=200"`
	StartsAt time.Time `json:"starts_at" validate:"required"`
	Capacity *int      `json:"capacity" validate:"omitempty,min=0,max=100000"`
	Price    *float64  `json:"price" validate:"omitempty,min=0"`
	Status   string    `json:"status" validate:"omitempty,oneof=published canceled"`
}

// UpsertEvent creates or replaces an offering. Capacity or status changes
// reach live counters through the events trigger.
func (h *Handler) UpsertEvent(w http.ResponseWriter, r *http.Request) {
	eventID, ok := eventIDParam(w, r)
	if !ok {
		return
	}

	var req upsertEventRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if err := validate.Struct(req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "validation failed", validationMeta(err))
		return
	}

	ev := domain.Event{
		ID:       eventID,
		Kind:     domain.EventKind(req.Kind),
		Title:    req.Title,
		StartsAt: req.StartsAt.UTC(),
		Capacity: req.Capacity,
		Price:    req.Price,
		Status:   domain.EventStatus(req.Status),
	}
	if err := h.catalog.UpsertEvent(r.Context(), ev); err != nil {
		handleErr(w, r, err)
		return
	}

	saved, err := h.catalog.GetEvent(r.Context(), eventID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, saved)
}

func validationMeta(err error) map[string]string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return map[string]string{"body": err.Error()}
	}
	meta := make(map[string]string, len(ve))
	for _, fe := range ve {
		meta[fe.Field()] = fieldMessage(fe)
	}
	return meta
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	default:
		return "is invalid"
	}
}
