package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"storefront/models"
)

func (q *Queries) GetAddress(ctx context.Context, addressID, userID string) (models.Address, error) {
	var (
		a      models.Address
		line2  sql.NullString
		county sql.NullString
	)

	err := q.db.QueryRowContext(ctx, `
		SELECT id, user_id, address_line1, address_line2, city, county, postcode, country
		FROM addresses
		WHERE id = ? AND user_id = ?
	`, addressID, userID).Scan(
		&a.ID, &a.UserID, &a.AddressLine1, &line2, &a.City, &county, &a.Postcode, &a.Country,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Address{}, ErrNotFound
	}
	if err != nil {
		return models.Address{}, fmt.Errorf("query address: %w", err)
	}

	a.AddressLine2 = line2.String
	a.County = county.String
	return a, nil
}

func (q *Queries) GetProduct(ctx context.Context, productID string) (models.Product, error) {
	var p models.Product

	err := q.db.QueryRowContext(ctx, `
		SELECT id, name, price, discount_percentage, stock_quantity, is_active
		FROM products
		WHERE id = ?
	`, productID).Scan(&p.ID, &p.Name, &p.Price, &p.DiscountPercentage, &p.StockQuantity, &p.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Product{}, ErrNotFound
	}
	if err != nil {
		return models.Product{}, fmt.Errorf("query product: %w", err)
	}

	return p, nil
}

// DecrementStock takes quantity off the product only if that leaves stock
// non-negative. It reports false when the guard rejected the update.
func (q *Queries) DecrementStock(ctx context.Context, productID string, quantity int) (bool, error) {
	result, err := q.db.ExecContext(ctx, `
		UPDATE products
		SET stock_quantity = stock_quantity - ?
		WHERE id = ? AND stock_quantity >= ?
	`, quantity, productID, quantity)
	if err != nil {
		return false, fmt.Errorf("decrement stock: %w", err)
	}

	return affectedOne(result)
}

// IncrementStock reports false when the product no longer exists.
func (q *Queries) IncrementStock(ctx context.Context, productID string, quantity int) (bool, error) {
	result, err := q.db.ExecContext(ctx, `
		UPDATE products
		SET stock_quantity = stock_quantity + ?
		WHERE id = ?
	`, quantity, productID)
	if err != nil {
		return false, fmt.Errorf("increment stock: %w", err)
	}

	return affectedOne(result)
}

func affectedOne(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}
