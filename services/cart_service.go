package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"storefront/database"
	"storefront/models"
)

type CartService struct {
	store Store
	log   *slog.Logger
}

func NewCartService(store Store, log *slog.Logger) *CartService {
	return &CartService{store: store, log: log}
}

// GetCart returns the caller's cart valued at the prices seen when each line
// was added. A user without a cart gets an empty one.
func (s *CartService) GetCart(ctx context.Context, userID string) (models.CartResponse, error) {
	cart, err := s.store.GetCart(ctx, userID)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return models.CartResponse{}, fmt.Errorf("get cart: %w", err)
	}

	resp := models.CartResponse{Items: []models.CartLine{}, Total: decimal.Zero}
	for _, line := range cart.Lines {
		resp.Items = append(resp.Items, line)
		resp.Total = resp.Total.Add(line.PriceAtAddition.Mul(decimal.NewFromInt(int64(line.Quantity))))
		resp.ItemCount += line.Quantity
	}
	resp.Total = resp.Total.Round(2)
	return resp, nil
}

// AddLine puts quantity more of a product in the caller's cart, creating the
// cart on first use.
func (s *CartService) AddLine(ctx context.Context, userID, productID string, quantity int) (models.CartLine, error) {
	if quantity < 1 {
		return models.CartLine{}, invalidState(ReasonInvalidQuantity, productID, "Quantity must be at least 1")
	}

	var added models.CartLine
	err := s.store.WithinTx(ctx, func(q database.Querier) error {
		p, err := q.GetProduct(ctx, productID)
		if errors.Is(err, database.ErrNotFound) || (err == nil && !p.IsActive) {
			return notFound("product", "Product not found or inactive")
		}
		if err != nil {
			return err
		}

		cart, err := lockOrCreateCart(ctx, q, userID)
		if err != nil {
			return err
		}

		line := models.CartLine{ID: uuid.NewString(), CartID: cart.ID, ProductID: p.ID, PriceAtAddition: p.Price}
		for _, existing := range cart.Lines {
			if existing.ProductID == p.ID {
				line = existing
				break
			}
		}
		line.Quantity += quantity

		if p.StockQuantity < line.Quantity {
			return invalidState(ReasonInsufficientStock, p.Name, fmt.Sprintf("Insufficient stock for %s", p.Name))
		}
		if err := q.UpsertCartLine(ctx, line); err != nil {
			return err
		}

		added = line
		return nil
	})
	if err != nil {
		if svcErr, ok := serviceError(err); ok {
			return models.CartLine{}, svcErr
		}
		return models.CartLine{}, fmt.Errorf("add to cart: %w", err)
	}

	return added, nil
}

func lockOrCreateCart(ctx context.Context, q database.Querier, userID string) (models.Cart, error) {
	cart, err := q.LockCart(ctx, userID)
	if !errors.Is(err, database.ErrNotFound) {
		return cart, err
	}

	cart = models.Cart{ID: uuid.NewString(), UserID: userID}
	err = q.CreateCart(ctx, cart)
	if errors.Is(err, database.ErrDuplicate) {
		return q.LockCart(ctx, userID)
	}
	return cart, err
}

// ClearCart empties the caller's cart. Clearing a missing cart is a no-op.
func (s *CartService) ClearCart(ctx context.Context, userID string) error {
	err := s.store.WithinTx(ctx, func(q database.Querier) error {
		cart, err := q.LockCart(ctx, userID)
		if errors.Is(err, database.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = q.ClearCart(ctx, cart.ID)
		return err
	})
	if err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}
