package consumers

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"storefront/config"
	"storefront/events"
	"storefront/middlewares"
)

// PaymentExpirer cancels orders that were never paid.
type PaymentExpirer interface {
	ExpireUnpaid(ctx context.Context, orderID string) (bool, error)
}

type OrderConsumer struct {
	conn    *amqp.Connection
	cfg     *config.Config
	expirer PaymentExpirer
	log     *slog.Logger
}

func NewOrderConsumer(conn *amqp.Connection, cfg *config.Config, expirer PaymentExpirer, log *slog.Logger) *OrderConsumer {
	return &OrderConsumer{conn: conn, cfg: cfg, expirer: expirer, log: log}
}

// Run consumes the order queue and the dead-letter queue until ctx is done
// or the broker closes the channel.
func (c *OrderConsumer) Run(ctx context.Context) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("consumer channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(10, 0, false); err != nil {
		return fmt.Errorf("consumer qos: %w", err)
	}

	msgs, err := ch.ConsumeWithContext(ctx,
		c.cfg.OrderQueue,
		"storefront", // consumer tag
		false,        // auto-ack
		false,        // exclusive
		false,        // no-local
		false,        // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}

	dlqMsgs, err := ch.ConsumeWithContext(ctx,
		c.cfg.DeadLetterQueue,
		"storefront-dlq", // consumer tag
		false,            // auto-ack
		false,            // exclusive
		false,            // no-local
		false,            // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("register dead-letter consumer: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return closedErr(ctx, "order queue")
			}
			c.processOrderMessage(ctx, msg)
		case msg, ok := <-dlqMsgs:
			if !ok {
				return closedErr(ctx, "dead-letter")
			}
			c.processDeadLetterMessage(msg)
		}
	}
}

// closedErr treats a closed delivery channel as a clean stop during
// shutdown, when the connection is torn down alongside the consumer.
func closedErr(ctx context.Context, queue string) error {
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("%s delivery channel closed", queue)
}

// processOrderMessage acks handled messages and rejects the rest without
// requeue, which routes them to the dead-letter queue.
func (c *OrderConsumer) processOrderMessage(ctx context.Context, msg amqp.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("panic in message processing", "panic", r, "message_id", msg.MessageId)
			_ = msg.Nack(false, false)
		}
	}()

	event, err := events.Decode(msg.Body)
	if err != nil {
		c.log.Warn("invalid message", "message_id", msg.MessageId, "err", err)
		middlewares.RecordConsumedMessage("unknown", false)
		_ = msg.Nack(false, false)
		return
	}

	log := c.log.With("event_type", event.EventType, "order_id", event.AggregateID, "event_id", event.EventID)

	switch event.EventType {
	case events.PaymentCheck:
		expired, err := c.expirer.ExpireUnpaid(ctx, event.AggregateID)
		if err != nil {
			log.Error("payment check failed", "err", err)
			middlewares.RecordConsumedMessage(event.EventType, false)
			_ = msg.Nack(false, false)
			return
		}
		if expired {
			log.Info("order auto-cancelled due to non-payment")
		}
	case events.OrderCreated, events.OrderCancelled, events.OrderStatusUpdated,
		events.PaymentIntentCreated, events.PaymentSucceeded, events.PaymentFailed:
		log.Debug("order event received")
	default:
		log.Warn("unknown event type")
	}

	middlewares.RecordConsumedMessage(event.EventType, true)
	if err := msg.Ack(false); err != nil {
		log.Warn("ack failed", "err", err)
	}
}

func (c *OrderConsumer) processDeadLetterMessage(msg amqp.Delivery) {
	c.log.Error("dead letter received",
		"message_id", msg.MessageId, "type", msg.Type, "body", string(msg.Body))
	if err := msg.Ack(false); err != nil {
		c.log.Warn("dead letter ack failed", "err", err)
	}
}
