package rabbitmq

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/baechuer/real-time-ressys/services/registration-service/internal/contracts/event"
	"github.com/baechuer/real-time-ressys/services/registration-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/registration-service/internal/pkg/logger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	queueName   = "registration-service.event-catalog"
	handlerName = "event_catalog"

	rkEventPublished = "event.published"
	rkEventUpdated   = "event.updated"
	rkEventCanceled  = "event.canceled"
)

// CatalogWriter applies catalog messages inside the processed_messages fence.
type CatalogWriter interface {
	ProcessOnce(ctx context.Context, messageID, handler string, fn func(tx pgx.Tx) error) (bool, error)
	UpsertEventTx(ctx context.Context, tx pgx.Tx, e domain.Event) error
	CancelEventTx(ctx context.Context, tx pgx.Tx, eventID uuid.UUID) error
}

// Consumer mirrors the event catalog from the city.events exchange. Updated
// capacity or status lands in the events table, whose trigger then wakes
// every live capacity counter.
type Consumer struct {
	rabbitURL string
	exchange  string
	repo      CatalogWriter
}

func NewConsumer(rabbitURL, exchange string, repo CatalogWriter) *Consumer {
	return &Consumer{
		rabbitURL: strings.TrimSpace(rabbitURL),
		exchange:  strings.TrimSpace(exchange),
		repo:      repo,
	}
}

// Run consumes until ctx is done, reconnecting after broker failures.
func (c *Consumer) Run(ctx context.Context) error {
	log := logger.Logger.With().Str("component", "catalog_consumer").Logger()
	backoff := time.Second
	for {
		err := c.consume(ctx, log)
		if ctx.Err() != nil {
			log.Info().Msg("stopped")
			return nil
		}
		log.Warn().Err(err).Dur("retry_in", backoff).Msg("consumer disconnected")
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

func (c *Consumer) consume(ctx context.Context, log zerolog.Logger) error {
	conn, err := amqp.Dial(c.rabbitURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(c.exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	q, err := ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}
	for _, rk := range []string{rkEventPublished, rkEventUpdated, rkEventCanceled} {
		if err := ch.QueueBind(q.Name, rk, c.exchange, false, nil); err != nil {
			return err
		}
	}
	if err := ch.Qos(10, 0, false); err != nil {
		return err
	}

	deliveries, err := ch.Consume(q.Name, "registration-service", false, false, false, false, nil)
	if err != nil {
		return err
	}
	log.Info().Str("queue", q.Name).Msg("consumer started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return amqp.ErrClosed
			}
			if err := c.handleDelivery(ctx, d); err != nil {
				_ = d.Nack(false, true)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

// handleDelivery returns an error only for transient failures; poison
// messages are logged and dropped.
func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) error {
	base := logger.Logger.With().
		Str("component", "catalog_consumer").
		Str("routing_key", d.RoutingKey).
		Logger()

	var env event.Envelope[json.RawMessage]
	if err := json.Unmarshal(d.Body, &env); err != nil {
		base.Warn().Err(err).Msg("invalid envelope json, dropping")
		return nil
	}
	if env.Version != event.Version {
		base.Warn().Int("version", env.Version).Msg("unsupported envelope version, dropping")
		return nil
	}

	msgID := messageID(env.MessageID, d.MessageId, d.RoutingKey, d.Body)
	log := base.With().Str("message_id", msgID).Str("trace_id", strings.TrimSpace(env.TraceID)).Logger()

	processed, err := c.repo.ProcessOnce(ctx, msgID, handlerName, func(tx pgx.Tx) error {
		return applyCatalogTx(ctx, c.repo, tx, d.RoutingKey, env.Payload, log)
	})
	if err != nil {
		log.Error().Err(err).Msg("processing failed, requeue")
		return err
	}
	if !processed {
		log.Info().Msg("duplicate delivery ignored")
	}
	return nil
}

// messageID prefers the envelope id, then the AMQP property, then a content hash.
func messageID(envelopeID, amqpID, routingKey string, body []byte) string {
	if id := strings.TrimSpace(envelopeID); id != "" {
		return id
	}
	if id := strings.TrimSpace(amqpID); id != "" {
		return id
	}
	h := sha256.Sum256(append([]byte(routingKey+"\n"), body...))
	return "hash:" + hex.EncodeToString(h[:])
}

func applyCatalogTx(ctx context.Context, repo CatalogWriter, tx pgx.Tx, routingKey string, raw json.RawMessage, log zerolog.Logger) error {
	switch routingKey {
	case rkEventPublished, rkEventUpdated:
		var p event.CatalogPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			log.Warn().Err(err).Msg("invalid payload json, dropping")
			return nil
		}
		e, ok := catalogEvent(p, log)
		if !ok {
			return nil
		}
		return repo.UpsertEventTx(ctx, tx, e)

	case rkEventCanceled:
		var p event.CanceledPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			log.Warn().Err(err).Msg("invalid payload json, dropping")
			return nil
		}
		id := strings.TrimSpace(p.EventID)
		if id == "" {
			id = strings.TrimSpace(p.ID)
		}
		eid, err := uuid.Parse(id)
		if err != nil {
			log.Warn().Err(err).Msg("invalid event_id, dropping")
			return nil
		}
		return repo.CancelEventTx(ctx, tx, eid)

	default:
		log.Warn().Msg("unknown routing key, ignoring")
		return nil
	}
}

func catalogEvent(p event.CatalogPayload, log zerolog.Logger) (domain.Event, bool) {
	eid, err := uuid.Parse(strings.TrimSpace(p.EventID))
	if err != nil {
		log.Warn().Err(err).Msg("invalid event_id, dropping")
		return domain.Event{}, false
	}
	if strings.TrimSpace(p.Title) == "" || p.StartsAt == nil {
		log.Warn().Msg("missing title or start_time, dropping")
		return domain.Event{}, false
	}

	kind := domain.EventKind(strings.ToLower(strings.TrimSpace(p.Kind)))
	if kind != domain.KindActivity {
		kind = domain.KindEvent
	}
	status := domain.EventPublished
	if strings.EqualFold(strings.TrimSpace(p.Status), string(domain.EventCanceled)) {
		status = domain.EventCanceled
	}
	if p.Capacity != nil && *p.Capacity < 0 {
		zero := 0
		p.Capacity = &zero
	}

	return domain.Event{
		ID:       eid,
		Kind:     kind,
		Title:    strings.TrimSpace(p.Title),
		StartsAt: p.StartsAt.UTC(),
		Capacity: p.Capacity,
		Price:    p.Price,
		Status:   status,
	}, true
}
