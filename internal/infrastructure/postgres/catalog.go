package postgres

import (
	"context"
	"time"

	"github.com/baechuer/real-time-ressys/services/registration-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ListUpcoming returns published and canceled offerings starting at or after
// from, soonest first.
func (s *Store) ListUpcoming(ctx context.Context, from time.Time, limit int) ([]domain.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE starts_at >= $1
		ORDER BY starts_at ASC, id ASC
		LIMIT $2
	`, from, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Event, error) {
		return scanEvent(row)
	})
}

func (s *Store) UpsertEvent(ctx context.Context, e domain.Event) error {
	return upsertEvent(ctx, s.pool, e)
}

// UpsertEventTx is used by the catalog consumer inside its dedupe fence.
func (s *Store) UpsertEventTx(ctx context.Context, tx pgx.Tx, e domain.Event) error {
	return upsertEvent(ctx, tx, e)
}

// CancelEventTx closes an event for registration. Existing registrations
// are kept.
func (s *Store) CancelEventTx(ctx context.Context, tx pgx.Tx, eventID uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE events
		SET status = 'canceled', updated_at = NOW()
		WHERE id = $1 AND status <> 'canceled'
	`, eventID)
	return err
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func upsertEvent(ctx context.Context, db execer, e domain.Event) error {
	kind := e.Kind
	if kind == "" {
		kind = domain.KindEvent
	}
	status := e.Status
	if status == "" {
		status = domain.EventPublished
	}
	_, err := db.Exec(ctx, `
		INSERT INTO events (id, kind, title, starts_at, capacity, price, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET kind = EXCLUDED.kind,
		    title = EXCLUDED.title,
		    starts_at = EXCLUDED.starts_at,
		    capacity = EXCLUDED.capacity,
		    price = EXCLUDED.price,
		    status = EXCLUDED.status,
		    updated_at = NOW()
	`, e.ID, string(kind), e.Title, e.StartsAt, e.Capacity, e.Price, string(status))
	return err
}
