package postgres

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

func TestNextRetryDelay_Bounds(t *testing.T) {
	tests := []struct {
		attempt  int
		min, max time.Duration
	}{
		{-1, 4500 * time.Millisecond, 5500 * time.Millisecond},
		{1, 4500 * time.Millisecond, 5500 * time.Millisecond},
		{6, 57 * time.Second, 71 * time.Second},
		{10, 921 * time.Second, 1127 * time.Second},
		{20, 1620 * time.Second, 1980 * time.Second},
	}
	for _, tt := range tests {
		for i := 0; i < 50; i++ {
			d := nextRetryDelay(tt.attempt)
			require.GreaterOrEqual(t, d, tt.min, "attempt %d", tt.attempt)
			require.LessOrEqual(t, d, tt.max, "attempt %d", tt.attempt)
		}
	}
}

func TestAwaitConfirm(t *testing.T) {
	t.Run("ack", func(t *testing.T) {
		confirms := make(chan amqp.Confirmation, 1)
		returns := make(chan amqp.Return, 1)
		confirms <- amqp.Confirmation{DeliveryTag: 1, Ack: true}
		require.Equal(t, "", awaitConfirm(confirms, returns))
	})
	t.Run("nack", func(t *testing.T) {
		confirms := make(chan amqp.Confirmation, 1)
		returns := make(chan amqp.Return, 1)
		confirms <- amqp.Confirmation{DeliveryTag: 7, Ack: false}
		require.Equal(t, "NACK: delivery_tag=7", awaitConfirm(confirms, returns))
	})
	t.Run("unroutable", func(t *testing.T) {
		confirms := make(chan amqp.Confirmation, 1)
		returns := make(chan amqp.Return, 1)
		returns <- amqp.Return{ReplyCode: 312, ReplyText: "NO_ROUTE", RoutingKey: "registration.created"}
		confirms <- amqp.Confirmation{DeliveryTag: 2, Ack: true}
		require.Contains(t, awaitConfirm(confirms, returns), "NO_ROUTE: code=312")
	})
	t.Run("timeout", func(t *testing.T) {
		require.Equal(t, "confirm timeout", awaitConfirm(make(chan amqp.Confirmation), make(chan amqp.Return)))
	})
}

func TestDrainNotifications(t *testing.T) {
	confirms := make(chan amqp.Confirmation, 3)
	returns := make(chan amqp.Return, 3)
	confirms <- amqp.Confirmation{}
	confirms <- amqp.Confirmation{}
	returns <- amqp.Return{}

	drainNotifications(confirms, returns)
	require.Empty(t, confirms)
	require.Empty(t, returns)
}
