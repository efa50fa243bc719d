package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/baechuer/real-time-ressys/services/registration-service/internal/domain"
	appCtx "github.com/baechuer/real-time-ressys/services/registration-service/internal/pkg/context"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ProcedureError is a non-ok value from a procedure's result channel.
type ProcedureError struct {
	Procedure string
	Code      string
}

func (e *ProcedureError) Error() string {
	return e.Procedure + ": " + e.Code
}

// Store implements domain.RemoteStore and domain.CatalogStore on Postgres.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewPool builds a pgx pool and verifies it with a ping.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

const eventColumns = `id, kind, title, starts_at, capacity, price::float8, status, updated_at`

func scanEvent(row pgx.Row) (domain.Event, error) {
	var e domain.Event
	var kind, status string
	if err := row.Scan(&e.ID, &kind, &e.Title, &e.StartsAt, &e.Capacity, &e.Price, &status, &e.UpdatedAt); err != nil {
		return domain.Event{}, err
	}
	e.Kind = domain.EventKind(kind)
	e.Status = domain.EventStatus(status)
	return e, nil
}

func (s *Store) GetEvent(ctx context.Context, eventID uuid.UUID) (domain.Event, error) {
	e, err := scanEvent(s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Event{}, domain.ErrEventNotFound
	}
	return e, err
}

func (s *Store) CountRegistrations(ctx context.Context, eventID uuid.UUID) (int, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM event_registrations WHERE event_id = $1`, eventID).Scan(&n)
	return int(n), err
}

func (s *Store) HasRegistration(ctx context.Context, eventID, userID uuid.UUID) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM event_registrations WHERE event_id = $1 AND user_id = $2
		)
	`, eventID, userID).Scan(&ok)
	return ok, err
}

func (s *Store) RegisterForEvent(ctx context.Context, eventID, userID uuid.UUID) error {
	return s.callProcedure(ctx, "register_for_event", eventID, userID)
}

func (s *Store) CancelRegistration(ctx context.Context, eventID, userID uuid.UUID) error {
	return s.callProcedure(ctx, "cancel_event_registration", eventID, userID)
}

// callProcedure runs one of the two atomic procedures. Only the returned
// text decides success; a nil error from the round trip is not enough.
func (s *Store) callProcedure(ctx context.Context, name string, eventID, userID uuid.UUID) error {
	var user any
	if userID != uuid.Nil {
		user = userID
	}

	var result string
	err := s.pool.QueryRow(ctx,
		`SELECT `+pgx.Identifier{name}.Sanitize()+`($1, $2, $3)`,
		eventID, user, appCtx.TraceID(ctx),
	).Scan(&result)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if result != "ok" {
		return &ProcedureError{Procedure: name, Code: result}
	}
	return nil
}

// ListRegistrations returns the user's upcoming registrations, soonest first.
func (s *Store) ListRegistrations(ctx context.Context, userID uuid.UUID, limit int) ([]domain.Registration, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.event_id, r.user_id, r.created_at
		FROM event_registrations r
		JOIN events e ON e.id = r.event_id
		WHERE r.user_id = $1 AND e.starts_at >= NOW()
		ORDER BY e.starts_at ASC, r.id ASC
		LIMIT $2
	`, userID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Registration, error) {
		var r domain.Registration
		err := row.Scan(&r.ID, &r.EventID, &r.UserID, &r.CreatedAt)
		return r, err
	})
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}
