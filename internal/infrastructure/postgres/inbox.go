package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
)

// ProcessOnce runs fn in a transaction fenced by processed_messages.
//
//	processed=false, err=nil -> duplicate delivery, fn not run
//	err != nil               -> rolled back, the marker is not kept and the message may be retried
//
// A message without an id cannot be deduplicated; fn still runs.
func (s *Store) ProcessOnce(ctx context.Context, messageID, handler string, fn func(tx pgx.Tx) error) (processed bool, err error) {
	messageID = strings.TrimSpace(messageID)
	handler = strings.TrimSpace(handler)
	if handler == "" {
		handler = "unknown"
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if messageID != "" {
		tag, err := tx.Exec(ctx, `
			INSERT INTO processed_messages (message_id, handler_name)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, messageID, handler)
		if err != nil {
			return false, err
		}
		if tag.RowsAffected() == 0 {
			return false, nil
		}
	}

	if err := fn(tx); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}
