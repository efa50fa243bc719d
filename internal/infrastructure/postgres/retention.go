package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/baechuer/real-time-ressys/services/registration-service/internal/pkg/logger"
)

// RunRetention deletes sent outbox rows and dedupe markers older than keep,
// once at start and then hourly.
func (s *Store) RunRetention(ctx context.Context, keep time.Duration) error {
	log := logger.Logger.With().Str("component", "retention").Logger()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		outbox, inbox, err := s.purge(ctx, keep)
		if err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("retention cleanup failed")
		} else if outbox+inbox > 0 {
			log.Info().Int64("outbox", outbox).Int64("processed_messages", inbox).Msg("retention cleanup")
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Store) purge(ctx context.Context, keep time.Duration) (outbox, inbox int64, err error) {
	interval := fmt.Sprintf("%d seconds", int64(keep.Seconds()))

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM outbox WHERE status = 'sent' AND occurred_at < NOW() - $1::interval
	`, interval)
	if err != nil {
		return 0, 0, err
	}
	outbox = tag.RowsAffected()

	tag, err = s.pool.Exec(ctx, `
		DELETE FROM processed_messages WHERE processed_at < NOW() - $1::interval
	`, interval)
	if err != nil {
		return outbox, 0, err
	}
	return outbox, tag.RowsAffected(), nil
}
