package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AMQP publishes events to a durable topic exchange with publisher
// confirms.
type AMQP struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	confirms chan amqp.Confirmation
	exchange string
	logger   *zap.Logger
}

// NewAMQP dials url and declares exchange.
func NewAMQP(url, exchange string, logger *zap.Logger) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	return &AMQP{
		conn:     conn,
		ch:       ch,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
		exchange: exchange,
		logger:   logger,
	}, nil
}

// RoutingKey is "{provider}.{tenant}", or "{provider}.{tenant}.{team}"
// when a team is set.
func RoutingKey(ev Event) string {
	parts := []string{ev.Provider, ev.Tenant.Tenant}
	if ev.Tenant.Team != "" {
		parts = append(parts, ev.Tenant.Team)
	}
	return strings.Join(parts, ".")
}

// Publish sends ev as persistent JSON and waits for the broker ack.
func (a *AMQP) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     ev.ID,
		CorrelationId: ev.Envelope.CorrelationID,
		Timestamp:     ev.ReceivedAt,
		Type:          "channel_message",
		Body:          body,
	}
	key := RoutingKey(ev)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ch.PublishWithContext(ctx, a.exchange, key, false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	select {
	case c, ok := <-a.confirms:
		if !ok {
			return fmt.Errorf("publish %s: channel closed", key)
		}
		if !c.Ack {
			return fmt.Errorf("publish %s: broker nack", key)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	a.logger.Debug("published event", zap.String("routing_key", key), zap.String("id", ev.ID))
	return nil
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ch.Close()
	return a.conn.Close()
}
