package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"

	"storefront/config"
	"storefront/database"
	"storefront/events"
	"storefront/models"
)

const (
	priorityHigh   = 9
	priorityCancel = 8
	priorityNormal = 5
)

var highValueTotal = decimal.NewFromInt(1000)

type RabbitMQ struct {
	Conn    *amqp.Connection
	Channel *amqp.Channel
	Cfg     *config.Config
	log     *slog.Logger
}

func NewRabbitMQ(cfg *config.Config, log *slog.Logger) (*RabbitMQ, error) {
	conn, err := amqp.Dial(cfg.RabbitMQURL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}

	return &RabbitMQ{
		Conn:    conn,
		Channel: ch,
		Cfg:     cfg,
		log:     log,
	}, nil
}

func (r *RabbitMQ) deadLetterExchange() string {
	return r.Cfg.DeadLetterQueue + "_exchange"
}

// SetupQueues declares the topology: the order exchange feeding a priority
// queue, a dead-letter exchange and queue for rejected messages, and a
// delayed exchange for payment checks. The delayed exchange needs the
// rabbitmq_delayed_message_exchange plugin; without it payment checks are
// not scheduled.
func (r *RabbitMQ) SetupQueues() error {
	if err := r.Channel.ExchangeDeclare(
		r.deadLetterExchange(),
		"direct",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("declare dead-letter exchange: %w", err)
	}

	if _, err := r.Channel.QueueDeclare(
		r.Cfg.DeadLetterQueue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		amqp.Table{"x-queue-type": "classic"},
	); err != nil {
		return fmt.Errorf("declare dead-letter queue: %w", err)
	}

	if err := r.Channel.QueueBind(r.Cfg.DeadLetterQueue, r.Cfg.DeadLetterQueue, r.deadLetterExchange(), false, nil); err != nil {
		return fmt.Errorf("bind dead-letter queue: %w", err)
	}

	if err := r.Channel.ExchangeDeclare(
		r.Cfg.OrderExchange,
		"direct",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("declare order exchange: %w", err)
	}

	if _, err := r.Channel.QueueDeclare(
		r.Cfg.OrderQueue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-max-priority":            r.Cfg.MaxPriority,
			"x-dead-letter-exchange":    r.deadLetterExchange(),
			"x-dead-letter-routing-key": r.Cfg.DeadLetterQueue,
		},
	); err != nil {
		return fmt.Errorf("declare order queue: %w", err)
	}

	if err := r.Channel.QueueBind(r.Cfg.OrderQueue, "", r.Cfg.OrderExchange, false, nil); err != nil {
		return fmt.Errorf("bind order queue: %w", err)
	}

	if err := r.setupDelayExchange(); err != nil {
		r.log.Warn("delayed exchange unavailable, unpaid orders will not expire", "err", err)
	}

	return nil
}

// setupDelayExchange uses its own channel: a failed declare closes the
// channel it was issued on.
func (r *RabbitMQ) setupDelayExchange() error {
	ch, err := r.Conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(
		r.Cfg.DelayExchange,
		"x-delayed-message",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		amqp.Table{"x-delayed-type": "direct"},
	); err != nil {
		return err
	}

	return ch.QueueBind(r.Cfg.OrderQueue, "", r.Cfg.DelayExchange, false, nil)
}

// Publish sends a relayed outbox event to the order exchange. A new order
// also schedules its payment check.
func (r *RabbitMQ) Publish(ctx context.Context, event database.OutboxEvent) error {
	msg, err := message(event)
	if err != nil {
		return err
	}

	if err := r.Channel.PublishWithContext(ctx,
		r.Cfg.OrderExchange,
		"",
		false, // mandatory
		false, // immediate
		msg,
	); err != nil {
		return fmt.Errorf("publish %s: %w", event.EventType, err)
	}

	if event.EventType == events.OrderCreated && r.Cfg.PaymentTimeout > 0 {
		if err := r.PublishDelayed(ctx, event.AggregateID, r.Cfg.PaymentTimeout); err != nil {
			r.log.Warn("schedule payment check", "order_id", event.AggregateID, "err", err)
		}
	}

	return nil
}

// PublishDelayed schedules a payment check for orderID after delay.
func (r *RabbitMQ) PublishDelayed(ctx context.Context, orderID string, delay time.Duration) error {
	check, err := events.New(events.PaymentCheck, orderID, models.OrderEvent{OrderID: orderID})
	if err != nil {
		return err
	}

	msg, err := message(check)
	if err != nil {
		return err
	}
	msg.Headers = amqp.Table{"x-delay": delay.Milliseconds()}

	return r.Channel.PublishWithContext(ctx,
		r.Cfg.DelayExchange,
		"",
		false, // mandatory
		false, // immediate
		msg,
	)
}

func message(event database.OutboxEvent) (amqp.Publishing, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal event: %w", err)
	}

	return amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.CreatedAt,
		ContentType:  "application/json",
		MessageId:    event.EventID,
		Type:         event.EventType,
		Body:         body,
		Priority:     priority(event),
	}, nil
}

// priority puts high-value orders first, then cancellations.
func priority(event database.OutboxEvent) uint8 {
	if event.EventType == events.OrderCancelled {
		return priorityCancel
	}

	var payload models.OrderEvent
	if err := json.Unmarshal(event.Payload, &payload); err == nil && payload.Total.GreaterThan(highValueTotal) {
		return priorityHigh
	}
	return priorityNormal
}

func (r *RabbitMQ) Close() error {
	if r.Channel != nil {
		if err := r.Channel.Close(); err != nil {
			return err
		}
	}
	if r.Conn != nil {
		return r.Conn.Close()
	}
	return nil
}

var _ events.Publisher = (*RabbitMQ)(nil)
