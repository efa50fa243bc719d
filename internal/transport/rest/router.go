package rest

import (
	"net/http"
	"time"

	"github.com/baechuer/real-time-ressys/services/registration-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/registration-service/internal/metrics"
	"github.com/baechuer/real-time-ressys/services/registration-service/internal/security"
	"github.com/baechuer/real-time-ressys/services/registration-service/internal/tracing"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type RouterDeps struct {
	Handler   *Handler
	Verifier  security.TokenVerifier
	JWTIssuer string

	// Limiter enables the global per-IP limit when non-nil.
	Limiter    domain.RateLimiter
	RLLimit    int
	RLWindow   time.Duration
	WriteLimit int

	ServiceName string
}

func NewRouter(d RouterDeps) http.Handler {
	if d.Handler == nil {
		panic("rest.NewRouter: nil handler")
	}
	if d.Verifier == nil {
		panic("rest.NewRouter: nil verifier")
	}
	if d.ServiceName == "" {
		d.ServiceName = "registration-service"
	}

	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(HTTPLogger)
	r.Use(middleware.Recoverer)
	r.Use(tracing.Middleware(d.ServiceName))
	r.Use(metrics.Middleware)
	if d.Limiter != nil {
		r.Use(RateLimitMiddleware(d.Limiter, d.RLLimit, d.RLWindow))
	}
	r.Use(SecurityHeaders)

	r.Get("/healthz", d.Handler.Healthz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(OptionalAuth(d.Verifier, AuthOptions{ExpectedIssuer: d.JWTIssuer}))

		r.Get("/events", d.Handler.ListEvents)
		r.Get("/events/{eventID}", d.Handler.GetEvent)
		r.Get("/events/{eventID}/capacity", d.Handler.Capacity)
		r.Get("/events/{eventID}/capacity/stream", d.Handler.CapacityStream)

		r.Group(func(r chi.Router) {
			r.Use(RequireAuth)
			r.Get("/events/{eventID}/registration", d.Handler.Status)
			r.Get("/me/registrations", d.Handler.MyRegistrations)

			r.Group(func(r chi.Router) {
				r.Use(WriteLimit(d.WriteLimit))
				r.Post("/events/{eventID}/registration", d.Handler.Register)
				r.Delete("/events/{eventID}/registration", d.Handler.Cancel)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(RequireRole("admin"))
			r.Put("/admin/events/{eventID}", d.Handler.UpsertEvent)
		})
	})

	return r
}
