package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"storefront/database"
	"storefront/events"
	"storefront/models"
)

var (
	errCartChanged   = errors.New("cart changed during checkout")
	errStockConflict = errors.New("stock no longer sufficient")
)

type CreateOrderInput struct {
	UserID            string
	ShippingAddressID string
	DeliveryOption    string
	Notes             string
}

type OrderService struct {
	store Store
	log   *slog.Logger
	now   func() time.Time
}

func NewOrderService(store Store, log *slog.Logger) *OrderService {
	return &OrderService{
		store: store,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// orderNumber is "ORD-" followed by a ULID, so numbers sort by creation time
// and never repeat across processes.
func orderNumber() string {
	return "ORD-" + ulid.Make().String()
}

type pricedLine struct {
	line    models.CartLine
	product models.Product
}

// CreateOrder converts the caller's cart into an order. Validation happens on
// a snapshot read; the write re-locks the cart and fails as a whole if the
// cart or stock moved in between.
func (s *OrderService) CreateOrder(ctx context.Context, in CreateOrderInput) (models.Order, error) {
	if _, err := s.store.GetAddress(ctx, in.ShippingAddressID, in.UserID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return models.Order{}, notFound("address", "Shipping address not found")
		}
		return models.Order{}, fmt.Errorf("get address: %w", err)
	}

	cart, err := s.store.GetCart(ctx, in.UserID)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return models.Order{}, fmt.Errorf("get cart: %w", err)
	}
	if len(cart.Lines) == 0 {
		return models.Order{}, invalidState(ReasonEmptyCart, "", "Cart is empty")
	}

	lines, err := s.loadProducts(ctx, cart.Lines)
	if err != nil {
		return models.Order{}, err
	}

	for _, pl := range lines {
		if !pl.product.IsActive {
			return models.Order{}, invalidState(ReasonProductUnavailable, pl.product.Name,
				fmt.Sprintf("Product %s is no longer available", pl.product.Name))
		}
	}
	for _, pl := range lines {
		if pl.product.StockQuantity < pl.line.Quantity {
			return models.Order{}, invalidState(ReasonInsufficientStock, pl.product.Name,
				fmt.Sprintf("Insufficient stock for %s", pl.product.Name))
		}
	}

	order := s.buildOrder(in, lines)

	created, err := events.New(events.OrderCreated, order.ID, order.Event())
	if err != nil {
		return models.Order{}, err
	}

	err = s.store.WithinTx(ctx, func(q database.Querier) error {
		locked, err := q.LockCart(ctx, in.UserID)
		if err != nil {
			return fmt.Errorf("lock cart: %w", err)
		}
		if !sameLines(cart.Lines, locked.Lines) {
			return errCartChanged
		}

		if err := q.InsertOrder(ctx, order); err != nil {
			return err
		}
		if err := q.InsertOrderItems(ctx, order.ID, order.Items); err != nil {
			return err
		}

		for _, pl := range lines {
			ok, err := q.DecrementStock(ctx, pl.product.ID, pl.line.Quantity)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s", errStockConflict, pl.product.Name)
			}
		}

		if _, err := q.ClearCart(ctx, locked.ID); err != nil {
			return err
		}

		return q.InsertOutboxEvent(ctx, created)
	})
	if err != nil {
		s.log.Error("create order transaction failed",
			"user_id", in.UserID, "order_number", order.OrderNumber, "err", err)
		return models.Order{}, transactionFailed("Failed to create order", err)
	}

	s.log.Info("order created",
		"order_id", order.ID, "order_number", order.OrderNumber, "user_id", in.UserID, "total", order.Total.StringFixed(2))
	return order, nil
}

// loadProducts treats a product missing from the catalog as unavailable.
func (s *OrderService) loadProducts(ctx context.Context, cartLines []models.CartLine) ([]pricedLine, error) {
	lines := make([]pricedLine, 0, len(cartLines))
	for _, line := range cartLines {
		p, err := s.store.GetProduct(ctx, line.ProductID)
		if errors.Is(err, database.ErrNotFound) {
			return nil, invalidState(ReasonProductUnavailable, line.ProductID,
				fmt.Sprintf("Product %s is no longer available", line.ProductID))
		}
		if err != nil {
			return nil, fmt.Errorf("get product %s: %w", line.ProductID, err)
		}
		lines = append(lines, pricedLine{line: line, product: p})
	}
	return lines, nil
}

func (s *OrderService) buildOrder(in CreateOrderInput, lines []pricedLine) models.Order {
	quoteLines := make([]QuoteLine, len(lines))
	for i, pl := range lines {
		quoteLines[i] = quoteLine(pl.product, pl.line.Quantity)
	}
	quote := PriceOrder(quoteLines, in.DeliveryOption)

	now := s.now()
	order := models.Order{
		ID:                uuid.NewString(),
		OrderNumber:       orderNumber(),
		UserID:            in.UserID,
		ShippingAddressID: in.ShippingAddressID,
		DeliveryOption:    in.DeliveryOption,
		Notes:             in.Notes,
		Subtotal:          quote.Subtotal,
		ShippingCost:      quote.ShippingCost,
		Tax:               quote.Tax,
		Total:             quote.Total,
		Status:            models.OrderPending,
		PaymentStatus:     models.PaymentPending,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
		Items:             make([]models.OrderItem, len(lines)),
	}

	for i, pl := range lines {
		order.Items[i] = models.OrderItem{
			ID:                 uuid.NewString(),
			OrderID:            order.ID,
			ProductID:          pl.product.ID,
			ProductName:        pl.product.Name,
			Quantity:           pl.line.Quantity,
			Price:              pl.product.Price,
			DiscountPercentage: pl.product.DiscountPercentage,
			Subtotal:           LineSubtotal(pl.product.Price, pl.line.Quantity),
		}
	}

	return order
}

func sameLines(a, b []models.CartLine) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].ProductID != b[i].ProductID || a[i].Quantity != b[i].Quantity {
			return false
		}
	}
	return true
}

// GetOrder hides other users' orders behind NotFound. Admins see every order.
func (s *OrderService) GetOrder(ctx context.Context, actor Actor, orderID string) (models.Order, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if errors.Is(err, database.ErrNotFound) {
		return models.Order{}, notFound("order", "Order not found")
	}
	if err != nil {
		return models.Order{}, fmt.Errorf("get order: %w", err)
	}
	if !actor.IsAdmin && !actor.owns(o) {
		return models.Order{}, notFound("order", "Order not found")
	}
	return o, nil
}

// ListOrders returns the caller's orders, newest first. Admins get all orders.
func (s *OrderService) ListOrders(ctx context.Context, actor Actor) ([]models.Order, error) {
	userID := actor.UserID
	if actor.IsAdmin {
		userID = ""
	} else if userID == "" {
		return nil, denied("Authentication required")
	}

	orders, err := s.store.ListOrders(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}
