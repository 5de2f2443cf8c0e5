package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"storefront/models"
)

const orderColumns = `id, order_number, user_id, shipping_address_id, delivery_option, notes,
	subtotal, shipping_cost, tax, total, status, payment_status, payment_intent_id,
	tracking_number, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (models.Order, error) {
	var (
		o        models.Order
		notes    sql.NullString
		intentID sql.NullString
		tracking sql.NullString
	)

	err := row.Scan(
		&o.ID, &o.OrderNumber, &o.UserID, &o.ShippingAddressID, &o.DeliveryOption, &notes,
		&o.Subtotal, &o.ShippingCost, &o.Tax, &o.Total, &o.Status, &o.PaymentStatus, &intentID,
		&tracking, &o.Version, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return models.Order{}, err
	}

	o.Notes = notes.String
	o.PaymentIntentID = intentID.String
	o.TrackingNumber = tracking.String
	return o, nil
}

func (q *Queries) InsertOrder(ctx context.Context, o models.Order) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		o.ID, o.OrderNumber, o.UserID, o.ShippingAddressID, o.DeliveryOption, nullString(o.Notes),
		o.Subtotal, o.ShippingCost, o.Tax, o.Total, o.Status, o.PaymentStatus, nullString(o.PaymentIntentID),
		nullString(o.TrackingNumber), o.Version, o.CreatedAt, o.UpdatedAt,
	)
	if isDuplicate(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (q *Queries) InsertOrderItems(ctx context.Context, orderID string, items []models.OrderItem) error {
	for i, item := range items {
		_, err := q.db.ExecContext(ctx, `
			INSERT INTO order_items
				(id, order_id, position, product_id, product_name, quantity, price, discount_percentage, subtotal)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			item.ID, orderID, i, item.ProductID, item.ProductName, item.Quantity,
			item.Price, item.DiscountPercentage, item.Subtotal,
		)
		if err != nil {
			return fmt.Errorf("insert order item %d: %w", i, err)
		}
	}
	return nil
}

func (q *Queries) GetOrder(ctx context.Context, orderID string) (models.Order, error) {
	return q.getOrder(ctx, orderID, "")
}

// LockOrder is GetOrder with a row lock, the serialization point between user
// actions and gateway events on the same order.
func (q *Queries) LockOrder(ctx context.Context, orderID string) (models.Order, error) {
	return q.getOrder(ctx, orderID, " FOR UPDATE")
}

func (q *Queries) getOrder(ctx context.Context, orderID, lock string) (models.Order, error) {
	o, err := scanOrder(q.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = ?`+lock, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Order{}, ErrNotFound
	}
	if err != nil {
		return models.Order{}, fmt.Errorf("query order: %w", err)
	}

	items, err := q.orderItems(ctx, []string{o.ID})
	if err != nil {
		return models.Order{}, err
	}
	o.Items = items[o.ID]

	return o, nil
}

// ListOrders returns newest first. An empty userID lists every order.
func (q *Queries) ListOrders(ctx context.Context, userID string) ([]models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	orders := []models.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("orders iteration: %w", err)
	}

	if len(orders) == 0 {
		return orders, nil
	}

	ids := make([]string, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
	}
	items, err := q.orderItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Items = items[orders[i].ID]
	}

	return orders, nil
}

func (q *Queries) orderItems(ctx context.Context, orderIDs []string) (map[string][]models.OrderItem, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(orderIDs)), ",")
	args := make([]any, len(orderIDs))
	for i, id := range orderIDs {
		args[i] = id
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, order_id, product_id, product_name, quantity, price, discount_percentage, subtotal
		FROM order_items
		WHERE order_id IN (`+placeholders+`)
		ORDER BY order_id, position
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	items := make(map[string][]models.OrderItem, len(orderIDs))
	for rows.Next() {
		var it models.OrderItem
		if err := rows.Scan(
			&it.ID, &it.OrderID, &it.ProductID, &it.ProductName, &it.Quantity,
			&it.Price, &it.DiscountPercentage, &it.Subtotal,
		); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items[it.OrderID] = append(items[it.OrderID], it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order items iteration: %w", err)
	}

	return items, nil
}

// UpdateOrderLifecycle writes the mutable fields of o if nobody else has
// updated the order since o was read, and returns o at its new version.
func (q *Queries) UpdateOrderLifecycle(ctx context.Context, o models.Order) (models.Order, error) {
	now := time.Now().UTC()

	result, err := q.db.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, payment_status = ?, payment_intent_id = ?, tracking_number = ?,
		    version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`,
		o.Status, o.PaymentStatus, nullString(o.PaymentIntentID), nullString(o.TrackingNumber),
		now, o.ID, o.Version,
	)
	if err != nil {
		return models.Order{}, fmt.Errorf("update order: %w", err)
	}

	ok, err := affectedOne(result)
	if err != nil {
		return models.Order{}, err
	}
	if !ok {
		return models.Order{}, ErrVersionConflict
	}

	o.Version++
	o.UpdatedAt = now
	return o, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
