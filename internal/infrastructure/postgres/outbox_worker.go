package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/baechuer/real-time-ressys/services/registration-service/internal/metrics"
	"github.com/baechuer/real-time-ressys/services/registration-service/internal/pkg/logger"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	outboxBatchSize   = 20
	outboxMaxAttempts = 12
	outboxPoll        = 500 * time.Millisecond
	outboxClaimFor    = 15 * time.Second
	confirmWait       = 600 * time.Millisecond
)

// nextRetryDelay is 2^attempt seconds, floored at 5s, capped at 30m, +/-10% jitter.
func nextRetryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	sec := math.Pow(2, float64(attempt))
	sec = math.Max(5, math.Min(sec, 1800))

	d := time.Duration(sec) * time.Second
	return d + time.Duration(rand.Int63n(int64(d/5))) - d/10
}

type outboxRow struct {
	ID         uuid.UUID
	MessageID  uuid.UUID
	TraceID    string
	RoutingKey string
	Payload    []byte
	Attempt    int
}

// OutboxWorker publishes registration.* rows written by the procedures.
type OutboxWorker struct {
	store    *Store
	url      string
	exchange string
	log      zerolog.Logger
}

func NewOutboxWorker(store *Store, rabbitURL, exchange string) *OutboxWorker {
	return &OutboxWorker{
		store:    store,
		url:      rabbitURL,
		exchange: exchange,
		log:      logger.Logger.With().Str("component", "outbox_worker").Logger(),
	}
}

// Run publishes until ctx is done, redialing the broker when the channel
// drops.
func (w *OutboxWorker) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := w.session(ctx)
		if ctx.Err() != nil {
			w.log.Info().Msg("stopped")
			return nil
		}
		w.log.Warn().Err(err).Dur("retry_in", backoff).Msg("outbox publisher session ended")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (w *OutboxWorker) session(ctx context.Context) error {
	conn, err := amqp.Dial(w.url)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(w.exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("exchange declare %s: %w", w.exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("enable confirms: %w", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 100))
	returns := ch.NotifyReturn(make(chan amqp.Return, 100))
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	w.log.Info().Str("exchange", w.exchange).Msg("outbox publisher connected")

	ticker := time.NewTicker(outboxPoll)
	defer ticker.Stop()

	var lastErr string
	var lastAt time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-closed:
			if amqpErr == nil {
				return errors.New("channel closed")
			}
			return amqpErr
		case <-ticker.C:
			err := w.publishBatch(ctx, ch, confirms, returns)
			if err == nil {
				lastErr = ""
				continue
			}
			// throttle repeated identical failures
			if err.Error() != lastErr || time.Since(lastAt) > 10*time.Second {
				w.log.Warn().Err(err).Msg("outbox batch failed")
				lastErr = err.Error()
				lastAt = time.Now()
			}
		}
	}
}

// claim moves due rows' next_retry_at forward in a short transaction so a
// second worker skips them while they are being published.
func (w *OutboxWorker) claim(ctx context.Context) ([]outboxRow, error) {
	tx, err := w.store.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id, message_id, trace_id, routing_key, payload, attempt
		FROM outbox
		WHERE status = 'pending'
		  AND next_retry_at <= NOW()
		ORDER BY next_retry_at ASC, occurred_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, outboxBatchSize)
	if err != nil {
		return nil, err
	}
	var claimed []outboxRow
	for rows.Next() {
		var r outboxRow
		if err := rows.Scan(&r.ID, &r.MessageID, &r.TraceID, &r.RoutingKey, &r.Payload, &r.Attempt); err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(claimed) > 0 {
		ids := make([]string, len(claimed))
		for i, r := range claimed {
			ids[i] = r.ID.String()
		}
		if _, err := tx.Exec(ctx, `
			UPDATE outbox SET next_retry_at = NOW() + $2::interval WHERE id = ANY($1::uuid[])
		`, ids, fmt.Sprintf("%d seconds", int(outboxClaimFor.Seconds()))); err != nil {
			return nil, err
		}
	}
	return claimed, tx.Commit(ctx)
}

func (w *OutboxWorker) publishBatch(ctx context.Context, ch *amqp.Channel, confirms <-chan amqp.Confirmation, returns <-chan amqp.Return) error {
	claimed, err := w.claim(ctx)
	if err != nil {
		return err
	}

	for _, r := range claimed {
		drainNotifications(confirms, returns)

		pub := amqp.Publishing{
			ContentType:   "application/json",
			Body:          r.Payload,
			DeliveryMode:  amqp.Persistent,
			Timestamp:     time.Now().UTC(),
			MessageId:     r.MessageID.String(),
			CorrelationId: r.TraceID,
			AppId:         "registration-service",
		}
		if err := ch.PublishWithContext(ctx, w.exchange, r.RoutingKey, true, false, pub); err != nil {
			w.fail(ctx, r, fmt.Sprintf("publish error: %v", err))
			continue
		}

		if reason := awaitConfirm(confirms, returns); reason != "" {
			w.fail(ctx, r, reason)
			continue
		}

		if _, err := w.store.pool.Exec(ctx, `
			UPDATE outbox SET status = 'sent', last_error = NULL WHERE id = $1
		`, r.ID); err != nil {
			return err
		}
		metrics.RecordOutbox(r.RoutingKey, "sent")
		w.log.Info().
			Str("message_id", r.MessageID.String()).
			Str("routing_key", r.RoutingKey).
			Msg("published")
	}
	return nil
}

// awaitConfirm returns "" on ack, otherwise the failure reason. With
// mandatory publishing a Return (unroutable) arrives before the Confirm.
func awaitConfirm(confirms <-chan amqp.Confirmation, returns <-chan amqp.Return) string {
	deadline := time.After(confirmWait)
	reason := ""
	for {
		select {
		case ret := <-returns:
			reason = fmt.Sprintf("NO_ROUTE: code=%d text=%s rk=%s", ret.ReplyCode, ret.ReplyText, ret.RoutingKey)
		case c := <-confirms:
			if reason != "" {
				return reason
			}
			if !c.Ack {
				return fmt.Sprintf("NACK: delivery_tag=%d", c.DeliveryTag)
			}
			return ""
		case <-deadline:
			if reason != "" {
				return reason
			}
			return "confirm timeout"
		}
	}
}

func drainNotifications(confirms <-chan amqp.Confirmation, returns <-chan amqp.Return) {
	for {
		select {
		case <-returns:
		case <-confirms:
		default:
			return
		}
	}
}

func (w *OutboxWorker) fail(ctx context.Context, r outboxRow, reason string) {
	attempt := r.Attempt + 1
	log := w.log.With().
		Str("message_id", r.MessageID.String()).
		Str("routing_key", r.RoutingKey).
		Int("attempt", attempt).
		Logger()

	if attempt >= outboxMaxAttempts {
		if _, err := w.store.pool.Exec(ctx, `
			UPDATE outbox SET status = 'dead', attempt = $2, last_error = $3 WHERE id = $1
		`, r.ID, attempt, reason); err != nil {
			log.Error().Err(err).Msg("mark outbox dead failed")
		}
		metrics.RecordOutbox(r.RoutingKey, "dead")
		log.Error().Str("reason", reason).Msg("outbox message moved to dead")
		return
	}

	delay := nextRetryDelay(attempt)
	if _, err := w.store.pool.Exec(ctx, `
		UPDATE outbox
		SET attempt = $2, next_retry_at = NOW() + $3::interval, last_error = $4
		WHERE id = $1
	`, r.ID, attempt, fmt.Sprintf("%f seconds", delay.Seconds()), reason); err != nil {
		log.Error().Err(err).Msg("schedule outbox retry failed")
	}
	metrics.RecordOutbox(r.RoutingKey, "retry")
	log.Warn().Str("reason", reason).Dur("retry_in", delay).Msg("outbox publish failed, retry scheduled")
}
