package services

import (
	"context"

	"storefront/database"
	"storefront/models"
)

// Store is the persistence the services need. Reads outside a transaction go
// straight to the pool; every write runs inside WithinTx.
type Store interface {
	GetAddress(ctx context.Context, addressID, userID string) (models.Address, error)
	GetProduct(ctx context.Context, productID string) (models.Product, error)
	GetCart(ctx context.Context, userID string) (models.Cart, error)
	GetOrder(ctx context.Context, orderID string) (models.Order, error)
	ListOrders(ctx context.Context, userID string) ([]models.Order, error)

	WithinTx(ctx context.Context, fn func(q database.Querier) error) error
}

var _ Store = (*database.DB)(nil)

// Actor is the authenticated caller of an operation.
type Actor struct {
	UserID  string
	IsAdmin bool
}

func (a Actor) owns(o models.Order) bool {
	return a.UserID != "" && a.UserID == o.UserID
}
