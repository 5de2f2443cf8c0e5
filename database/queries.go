package database

import (
	"context"
	"database/sql"

	"storefront/models"
)

type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Querier is every statement the services issue. *Queries implements it on
// top of either the pool or a transaction.
type Querier interface {
	GetAddress(ctx context.Context, addressID, userID string) (models.Address, error)

	GetProduct(ctx context.Context, productID string) (models.Product, error)
	DecrementStock(ctx context.Context, productID string, quantity int) (bool, error)
	IncrementStock(ctx context.Context, productID string, quantity int) (bool, error)

	GetCart(ctx context.Context, userID string) (models.Cart, error)
	LockCart(ctx context.Context, userID string) (models.Cart, error)
	CreateCart(ctx context.Context, cart models.Cart) error
	UpsertCartLine(ctx context.Context, line models.CartLine) error
	ClearCart(ctx context.Context, cartID string) (int64, error)

	InsertOrder(ctx context.Context, order models.Order) error
	InsertOrderItems(ctx context.Context, orderID string, items []models.OrderItem) error
	GetOrder(ctx context.Context, orderID string) (models.Order, error)
	LockOrder(ctx context.Context, orderID string) (models.Order, error)
	ListOrders(ctx context.Context, userID string) ([]models.Order, error)
	UpdateOrderLifecycle(ctx context.Context, order models.Order) (models.Order, error)

	InsertOutboxEvent(ctx context.Context, event OutboxEvent) error
	FetchPendingEvents(ctx context.Context, limit int) ([]OutboxEvent, error)
	MarkEventSent(ctx context.Context, id int64) error
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

var _ Querier = (*Queries)(nil)
