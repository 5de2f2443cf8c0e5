package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/text/currency"

	"storefront/database"
	"storefront/events"
	"storefront/models"
	"storefront/payments"
)

// EventLedger remembers which gateway events were already applied so that
// redeliveries are acknowledged without touching the order again.
type EventLedger interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID string) error
}

type WebhookResult struct {
	EventType string
	OrderID   string
	// Applied is true when the event changed an order.
	Applied   bool
	Duplicate bool
}

type PaymentService struct {
	store    Store
	gateway  payments.Gateway
	currency currency.Unit
	ledger   EventLedger
	log      *slog.Logger
}

// NewPaymentService wires the gateway. ledger may be nil, in which case
// idempotency rests on the order state guards alone.
func NewPaymentService(store Store, gateway payments.Gateway, cur currency.Unit, ledger EventLedger, log *slog.Logger) *PaymentService {
	return &PaymentService{store: store, gateway: gateway, currency: cur, ledger: ledger, log: log}
}

// CreatePaymentIntent opens a gateway intent for the order total and records
// it on the order. The gateway call happens before any row lock is taken.
func (s *PaymentService) CreatePaymentIntent(ctx context.Context, actor Actor, orderID string) (payments.Intent, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if errors.Is(err, database.ErrNotFound) {
		return payments.Intent{}, notFound("order", "Order not found")
	}
	if err != nil {
		return payments.Intent{}, fmt.Errorf("get order: %w", err)
	}
	if !actor.owns(o) {
		return payments.Intent{}, notFound("order", "Order not found")
	}
	if err := payable(o); err != nil {
		return payments.Intent{}, err
	}

	intent, err := s.gateway.CreateIntent(ctx, payments.IntentRequest{
		Amount:   MinorUnits(o.Total, s.currency),
		Currency: s.currency.String(),
		OrderID:  o.ID,
		UserID:   o.UserID,
	})
	if err != nil {
		return payments.Intent{}, fmt.Errorf("create payment intent: %w", err)
	}

	err = s.store.WithinTx(ctx, func(q database.Querier) error {
		locked, err := lockOrder(ctx, q, orderID)
		if err != nil {
			return err
		}
		if err := payable(locked); err != nil {
			return err
		}

		locked.PaymentIntentID = intent.ID
		locked.PaymentStatus = models.PaymentProcessing
		updated, err := q.UpdateOrderLifecycle(ctx, locked)
		if err != nil {
			return err
		}

		payload := updated.Event()
		ev, err := events.New(events.PaymentIntentCreated, updated.ID, payload)
		if err != nil {
			return err
		}
		return q.InsertOutboxEvent(ctx, ev)
	})
	if err != nil {
		s.log.Warn("payment intent created but not recorded",
			"order_id", orderID, "intent_id", intent.ID, "err", err)
		if svcErr, ok := serviceError(err); ok {
			return payments.Intent{}, svcErr
		}
		return payments.Intent{}, fmt.Errorf("record payment intent: %w", err)
	}

	s.log.Info("payment intent created", "order_id", orderID, "intent_id", intent.ID, "amount", intent.Amount)
	return intent, nil
}

func payable(o models.Order) error {
	if o.PaymentStatus == models.PaymentSucceeded {
		return invalidState(ReasonAlreadyPaid, o.ID, "Order has already been paid")
	}
	if o.Status == models.OrderCancelled {
		return invalidState(ReasonOrderCancelled, o.ID, "Cannot pay for a cancelled order")
	}
	return nil
}

// GetPaymentIntent looks an intent up at the gateway.
func (s *PaymentService) GetPaymentIntent(ctx context.Context, intentID string) (payments.Intent, error) {
	intent, err := s.gateway.GetIntent(ctx, intentID)
	if errors.Is(err, payments.ErrIntentNotFound) {
		return payments.Intent{}, notFound("payment_intent", "Payment intent not found")
	}
	if err != nil {
		return payments.Intent{}, fmt.Errorf("get payment intent: %w", err)
	}
	return intent, nil
}

// HandleGatewayEvent verifies and applies a webhook delivery. Events for
// unknown orders and event kinds the store does not act on are acknowledged
// without effect.
func (s *PaymentService) HandleGatewayEvent(ctx context.Context, signatureHeader string, payload []byte) (WebhookResult, error) {
	ev, err := s.gateway.ParseEvent(payload, signatureHeader)
	if errors.Is(err, payments.ErrSignatureInvalid) {
		return WebhookResult{}, signatureInvalid(err)
	}
	if errors.Is(err, payments.ErrMalformedEvent) {
		return WebhookResult{}, &Error{Kind: ErrInvalidState, Reason: ReasonMalformedEvent, Message: "Malformed webhook event", cause: err}
	}
	if err != nil {
		return WebhookResult{}, fmt.Errorf("parse webhook: %w", err)
	}

	result := WebhookResult{EventType: ev.Type, OrderID: ev.OrderID}

	if s.ledger != nil && ev.ID != "" {
		seen, err := s.ledger.Seen(ctx, ev.ID)
		if err != nil {
			s.log.Warn("event ledger unavailable", "event_id", ev.ID, "err", err)
		} else if seen {
			result.Duplicate = true
			return result, nil
		}
	}

	switch ev.Type {
	case payments.EventPaymentSucceeded, payments.EventPaymentFailed:
		applied, err := s.applyPaymentEvent(ctx, ev)
		if err != nil {
			return result, err
		}
		result.Applied = applied
	default:
		s.log.Debug("ignoring gateway event", "event_id", ev.ID, "type", ev.Type)
	}

	if s.ledger != nil && ev.ID != "" {
		if err := s.ledger.MarkProcessed(ctx, ev.ID); err != nil {
			s.log.Warn("record processed event", "event_id", ev.ID, "err", err)
		}
	}

	return result, nil
}

// applyPaymentEvent moves the order forward only. A replayed or late event
// never regresses an order past the state it describes.
func (s *PaymentService) applyPaymentEvent(ctx context.Context, ev payments.Event) (bool, error) {
	if ev.OrderID == "" {
		s.log.Warn("payment event without order id", "event_id", ev.ID, "intent_id", ev.IntentID)
		return false, nil
	}

	applied := false
	err := s.store.WithinTx(ctx, func(q database.Querier) error {
		o, err := q.LockOrder(ctx, ev.OrderID)
		if errors.Is(err, database.ErrNotFound) {
			s.log.Warn("payment event for unknown order", "event_id", ev.ID, "order_id", ev.OrderID)
			return nil
		}
		if err != nil {
			return err
		}

		next, eventType := reconcilePayment(o, ev)
		if next.Status == o.Status && next.PaymentStatus == o.PaymentStatus && next.PaymentIntentID == o.PaymentIntentID {
			return nil
		}
		if ev.Type == payments.EventPaymentSucceeded && o.Status == models.OrderCancelled {
			s.log.Warn("payment succeeded for cancelled order", "order_id", o.ID, "intent_id", ev.IntentID)
		}

		updated, err := q.UpdateOrderLifecycle(ctx, next)
		if err != nil {
			return err
		}

		out, err := events.New(eventType, updated.ID, updated.Event())
		if err != nil {
			return err
		}
		if err := q.InsertOutboxEvent(ctx, out); err != nil {
			return err
		}

		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("apply %s to order %s: %w", ev.Type, ev.OrderID, err)
	}

	if applied {
		s.log.Info("payment event applied", "event_id", ev.ID, "type", ev.Type, "order_id", ev.OrderID)
	}
	return applied, nil
}

func reconcilePayment(o models.Order, ev payments.Event) (models.Order, string) {
	next := o
	if next.PaymentIntentID == "" {
		next.PaymentIntentID = ev.IntentID
	}

	switch ev.Type {
	case payments.EventPaymentSucceeded:
		if o.PaymentStatus != models.PaymentRefunded {
			next.PaymentStatus = models.PaymentSucceeded
		}
		if o.Status == models.OrderPending {
			next.Status = models.OrderProcessing
		}
		return next, events.PaymentSucceeded
	default:
		switch o.PaymentStatus {
		case models.PaymentPending, models.PaymentProcessing, models.PaymentFailed:
			next.PaymentStatus = models.PaymentFailed
		}
		return next, events.PaymentFailed
	}
}
