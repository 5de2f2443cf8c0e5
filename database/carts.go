package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"storefront/models"
)

func (q *Queries) GetCart(ctx context.Context, userID string) (models.Cart, error) {
	return q.getCart(ctx, userID, "")
}

// LockCart reads the cart like GetCart but holds row locks on the cart and
// its lines until the surrounding transaction ends.
func (q *Queries) LockCart(ctx context.Context, userID string) (models.Cart, error) {
	return q.getCart(ctx, userID, " FOR UPDATE")
}

func (q *Queries) getCart(ctx context.Context, userID, lock string) (models.Cart, error) {
	var cart models.Cart

	err := q.db.QueryRowContext(ctx,
		`SELECT id, user_id FROM carts WHERE user_id = ?`+lock, userID,
	).Scan(&cart.ID, &cart.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Cart{}, ErrNotFound
	}
	if err != nil {
		return models.Cart{}, fmt.Errorf("query cart: %w", err)
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, cart_id, product_id, quantity, price_at_addition, created_at
		FROM cart_items
		WHERE cart_id = ?
		ORDER BY created_at, id`+lock, cart.ID)
	if err != nil {
		return models.Cart{}, fmt.Errorf("query cart items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var line models.CartLine
		if err := rows.Scan(
			&line.ID, &line.CartID, &line.ProductID, &line.Quantity, &line.PriceAtAddition, &line.CreatedAt,
		); err != nil {
			return models.Cart{}, fmt.Errorf("scan cart item: %w", err)
		}
		cart.Lines = append(cart.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return models.Cart{}, fmt.Errorf("cart items iteration: %w", err)
	}

	return cart, nil
}

func (q *Queries) CreateCart(ctx context.Context, cart models.Cart) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO carts (id, user_id) VALUES (?, ?)`, cart.ID, cart.UserID)
	if isDuplicate(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert cart: %w", err)
	}
	return nil
}

// UpsertCartLine inserts the line or, when the product is already in the cart,
// replaces its quantity. The first price snapshot is kept.
func (q *Queries) UpsertCartLine(ctx context.Context, line models.CartLine) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO cart_items (id, cart_id, product_id, quantity, price_at_addition)
		VALUES (?, ?, ?, ?, ?) AS incoming
		ON DUPLICATE KEY UPDATE quantity = incoming.quantity
	`, line.ID, line.CartID, line.ProductID, line.Quantity, line.PriceAtAddition)
	if err != nil {
		return fmt.Errorf("upsert cart item: %w", err)
	}
	return nil
}

func (q *Queries) ClearCart(ctx context.Context, cartID string) (int64, error) {
	result, err := q.db.ExecContext(ctx, `DELETE FROM cart_items WHERE cart_id = ?`, cartID)
	if err != nil {
		return 0, fmt.Errorf("delete cart items: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
