package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"storefront/database"
	"storefront/events"
	"storefront/models"
)

var statusTransitions = map[models.OrderStatus][]models.OrderStatus{
	models.OrderPending:    {models.OrderProcessing, models.OrderCancelled},
	models.OrderProcessing: {models.OrderShipped, models.OrderCancelled},
	models.OrderShipped:    {models.OrderDelivered},
}

var paymentTransitions = map[models.PaymentStatus][]models.PaymentStatus{
	models.PaymentPending:    {models.PaymentProcessing},
	models.PaymentProcessing: {models.PaymentSucceeded, models.PaymentFailed},
	models.PaymentSucceeded:  {models.PaymentRefunded},
}

// CanTransitionStatus reports whether an order may move from one status to
// another. Staying put is always allowed.
func CanTransitionStatus(from, to models.OrderStatus) bool {
	return from == to || slices.Contains(statusTransitions[from], to)
}

func CanTransitionPayment(from, to models.PaymentStatus) bool {
	return from == to || slices.Contains(paymentTransitions[from], to)
}

func cancellable(o models.Order) bool {
	return o.Status == models.OrderPending || o.Status == models.OrderProcessing
}

type LifecycleService struct {
	store  Store
	log    *slog.Logger
	strict bool
}

// NewLifecycleService builds the service. With strict set, admin updates are
// checked against the transition tables instead of overwriting blindly.
func NewLifecycleService(store Store, log *slog.Logger, strict bool) *LifecycleService {
	return &LifecycleService{store: store, log: log, strict: strict}
}

// UpdateStatus is the admin overwrite of the lifecycle fields. Nil fields in
// req are left unchanged.
func (s *LifecycleService) UpdateStatus(ctx context.Context, actor Actor, orderID string, req models.UpdateStatusRequest) (models.Order, error) {
	if !actor.IsAdmin {
		return models.Order{}, denied("Admin access required")
	}

	var updated models.Order
	err := s.store.WithinTx(ctx, func(q database.Querier) error {
		o, err := lockOrder(ctx, q, orderID)
		if err != nil {
			return err
		}

		next := o
		if req.Status != nil {
			if s.strict && !CanTransitionStatus(o.Status, *req.Status) {
				return invalidState(ReasonInvalidTransition, string(*req.Status),
					fmt.Sprintf("Cannot change status from %s to %s", o.Status, *req.Status))
			}
			next.Status = *req.Status
		}
		if req.PaymentStatus != nil {
			if s.strict && !CanTransitionPayment(o.PaymentStatus, *req.PaymentStatus) {
				return invalidState(ReasonInvalidTransition, string(*req.PaymentStatus),
					fmt.Sprintf("Cannot change payment status from %s to %s", o.PaymentStatus, *req.PaymentStatus))
			}
			next.PaymentStatus = *req.PaymentStatus
		}
		if req.TrackingNumber != nil {
			next.TrackingNumber = *req.TrackingNumber
		}

		updated, err = q.UpdateOrderLifecycle(ctx, next)
		if err != nil {
			return err
		}

		ev, err := events.New(events.OrderStatusUpdated, updated.ID, updated.Event())
		if err != nil {
			return err
		}
		return q.InsertOutboxEvent(ctx, ev)
	})
	if err != nil {
		if svcErr, ok := serviceError(err); ok {
			return models.Order{}, svcErr
		}
		return models.Order{}, fmt.Errorf("update order status: %w", err)
	}

	s.log.Info("order status updated",
		"order_id", updated.ID, "status", updated.Status, "payment_status", updated.PaymentStatus, "by", actor.UserID)
	return updated, nil
}

// CancelOrder cancels the caller's own order and returns its stock.
func (s *LifecycleService) CancelOrder(ctx context.Context, actor Actor, orderID string) (models.Order, error) {
	var cancelled models.Order
	err := s.store.WithinTx(ctx, func(q database.Querier) error {
		o, err := lockOrder(ctx, q, orderID)
		if err != nil {
			return err
		}
		if !actor.owns(o) {
			return denied("You can only cancel your own orders")
		}
		if !cancellable(o) {
			return invalidState(ReasonNotCancellable, string(o.Status), "Order cannot be cancelled at this stage")
		}

		cancelled, err = s.cancelLocked(ctx, q, o, "customer")
		return err
	})
	if err != nil {
		if svcErr, ok := serviceError(err); ok {
			return models.Order{}, svcErr
		}
		return models.Order{}, fmt.Errorf("cancel order: %w", err)
	}

	s.log.Info("order cancelled", "order_id", cancelled.ID, "user_id", actor.UserID)
	return cancelled, nil
}

// ExpireUnpaid cancels an order that is still waiting for payment after the
// payment window. It reports whether anything changed; a paid, cancelled or
// missing order is left alone.
func (s *LifecycleService) ExpireUnpaid(ctx context.Context, orderID string) (bool, error) {
	expired := false
	err := s.store.WithinTx(ctx, func(q database.Querier) error {
		o, err := q.LockOrder(ctx, orderID)
		if errors.Is(err, database.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if o.Status != models.OrderPending {
			return nil
		}
		if o.PaymentStatus != models.PaymentPending && o.PaymentStatus != models.PaymentFailed {
			return nil
		}

		if _, err := s.cancelLocked(ctx, q, o, "payment_timeout"); err != nil {
			return err
		}
		expired = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("expire order %s: %w", orderID, err)
	}

	if expired {
		s.log.Info("unpaid order expired", "order_id", orderID)
	}
	return expired, nil
}

// cancelLocked must run inside the transaction holding o's row lock.
func (s *LifecycleService) cancelLocked(ctx context.Context, q database.Querier, o models.Order, reason string) (models.Order, error) {
	o.Status = models.OrderCancelled
	updated, err := q.UpdateOrderLifecycle(ctx, o)
	if err != nil {
		return models.Order{}, err
	}

	for _, item := range updated.Items {
		ok, err := q.IncrementStock(ctx, item.ProductID, item.Quantity)
		if err != nil {
			return models.Order{}, err
		}
		if !ok {
			s.log.Warn("restock skipped, product no longer exists",
				"order_id", o.ID, "product_id", item.ProductID, "quantity", item.Quantity)
		}
	}

	payload := updated.Event()
	payload.Reason = reason
	ev, err := events.New(events.OrderCancelled, updated.ID, payload)
	if err != nil {
		return models.Order{}, err
	}
	if err := q.InsertOutboxEvent(ctx, ev); err != nil {
		return models.Order{}, err
	}

	return updated, nil
}

func lockOrder(ctx context.Context, q database.Querier, orderID string) (models.Order, error) {
	o, err := q.LockOrder(ctx, orderID)
	if errors.Is(err, database.ErrNotFound) {
		return models.Order{}, notFound("order", "Order not found")
	}
	return o, err
}
