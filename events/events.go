package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"storefront/database"
)

const (
	OrderCreated         = "order.created"
	OrderCancelled       = "order.cancelled"
	OrderStatusUpdated   = "order.status_updated"
	PaymentIntentCreated = "payment.intent_created"
	PaymentSucceeded     = "payment.succeeded"
	PaymentFailed        = "payment.failed"

	// PaymentCheck is never stored in the outbox. The RabbitMQ publisher
	// schedules it after OrderCreated to expire unpaid orders.
	PaymentCheck = "order.payment_check"
)

// Publisher delivers relayed outbox events to a broker.
type Publisher interface {
	Publish(ctx context.Context, event database.OutboxEvent) error
	Close() error
}

// New builds an outbox record for payload. The record is written in the same
// transaction as the state change it describes.
func New(eventType, aggregateID string, payload any) (database.OutboxEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return database.OutboxEvent{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}

	return database.OutboxEvent{
		EventID:     uuid.NewString(),
		EventType:   eventType,
		AggregateID: aggregateID,
		Payload:     raw,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Decode reads an envelope produced by a Publisher back from the wire.
func Decode(body []byte) (database.OutboxEvent, error) {
	var e database.OutboxEvent
	if err := json.Unmarshal(body, &e); err != nil {
		return database.OutboxEvent{}, fmt.Errorf("decode event: %w", err)
	}
	if e.EventType == "" || e.AggregateID == "" {
		return database.OutboxEvent{}, fmt.Errorf("decode event: missing event_type or aggregate_id")
	}
	return e, nil
}
