package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/baechuer/real-time-ressys/services/registration-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/registration-service/internal/pkg/logger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ChangeChannel = "registration_changes"

// ChangeSink receives parsed notifications. changefeed.Hub implements it.
type ChangeSink interface {
	Publish(c domain.Change) int
	Resync()
}

// Listener holds one dedicated connection on LISTEN and forwards every
// notification to the sink. After a reconnect it asks the sink to resync,
// since notifications sent while disconnected are gone.
type Listener struct {
	pool    *pgxpool.Pool
	sink    ChangeSink
	channel string

	minBackoff time.Duration
	maxBackoff time.Duration
}

func NewListener(pool *pgxpool.Pool, sink ChangeSink) *Listener {
	return &Listener{
		pool:       pool,
		sink:       sink,
		channel:    ChangeChannel,
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
}

// Run blocks until ctx is done.
func (l *Listener) Run(ctx context.Context) error {
	log := logger.Logger.With().Str("component", "change_listener").Str("channel", l.channel).Logger()

	backoff := l.minBackoff
	first := true
	for {
		err := l.listen(ctx, func() {
			backoff = l.minBackoff
			if !first {
				l.sink.Resync()
			}
			first = false
			log.Info().Msg("listening")
		})
		if ctx.Err() != nil {
			log.Info().Msg("stopped")
			return nil
		}
		log.Warn().Err(err).Dur("retry_in", backoff).Msg("listener disconnected")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > l.maxBackoff {
			backoff = l.maxBackoff
		}
	}
}

func (l *Listener) listen(ctx context.Context, onReady func()) error {
	pc, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	// a LISTENing connection must never go back to the pool
	conn := pc.Hijack()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return err
	}
	onReady()

	log := logger.Logger.With().Str("component", "change_listener").Logger()
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		change, err := ParseChange(n.Payload)
		if err != nil {
			log.Warn().Err(err).Str("payload", n.Payload).Msg("dropping malformed notification")
			continue
		}
		l.sink.Publish(change)
	}
}

var errNoEventID = errors.New("notification without event_id")

// ParseChange decodes a notify_registration_change payload.
func ParseChange(payload string) (domain.Change, error) {
	var c domain.Change
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return domain.Change{}, fmt.Errorf("decode notification: %w", err)
	}
	if c.EventID == uuid.Nil {
		return domain.Change{}, errNoEventID
	}
	return c, nil
}
