package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderProcessing OrderStatus = "processing"
	OrderShipped    OrderStatus = "shipped"
	OrderDelivered  OrderStatus = "delivered"
	OrderCancelled  OrderStatus = "cancelled"
)

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentSucceeded  PaymentStatus = "succeeded"
	PaymentFailed     PaymentStatus = "failed"
	PaymentRefunded   PaymentStatus = "refunded"
)

// Order is inserted once at checkout. Only the lifecycle fields (status,
// payment, tracking, version) change afterwards.
type Order struct {
	ID                string          `json:"id"`
	OrderNumber       string          `json:"order_number"`
	UserID            string          `json:"user_id"`
	ShippingAddressID string          `json:"shipping_address_id"`
	DeliveryOption    string          `json:"delivery_option"`
	Notes             string          `json:"notes,omitempty"`
	Subtotal          decimal.Decimal `json:"subtotal"`
	ShippingCost      decimal.Decimal `json:"shipping_cost"`
	Tax               decimal.Decimal `json:"tax"`
	Total             decimal.Decimal `json:"total"`
	Status            OrderStatus     `json:"status"`
	PaymentStatus     PaymentStatus   `json:"payment_status"`
	PaymentIntentID   string          `json:"payment_intent_id,omitempty"`
	TrackingNumber    string          `json:"tracking_number,omitempty"`
	Version           int64           `json:"version"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	Items             []OrderItem     `json:"items"`
}

// OrderItem snapshots the catalog at checkout. Subtotal is Price x Quantity
// and deliberately ignores the discount.
type OrderItem struct {
	ID                 string          `json:"id"`
	OrderID            string          `json:"order_id"`
	ProductID          string          `json:"product_id"`
	ProductName        string          `json:"product_name"`
	Quantity           int             `json:"quantity"`
	Price              decimal.Decimal `json:"price"`
	DiscountPercentage decimal.Decimal `json:"discount_percentage"`
	Subtotal           decimal.Decimal `json:"subtotal"`
}

type CreateOrderRequest struct {
	ShippingAddressID string `json:"shipping_address_id" binding:"required"`
	DeliveryOption    string `json:"delivery_option" binding:"required,oneof=standard express next-day"`
	Notes             string `json:"notes" binding:"max=2000"`
}

// UpdateStatusRequest carries the admin overwrite. Nil fields are left alone.
type UpdateStatusRequest struct {
	Status         *OrderStatus   `json:"status" binding:"omitempty,oneof=pending processing shipped delivered cancelled"`
	PaymentStatus  *PaymentStatus `json:"payment_status" binding:"omitempty,oneof=pending processing succeeded failed refunded"`
	TrackingNumber *string        `json:"tracking_number" binding:"omitempty,max=100"`
}

type OrderEvent struct {
	OrderID       string          `json:"order_id"`
	OrderNumber   string          `json:"order_number,omitempty"`
	UserID        string          `json:"user_id"`
	Status        OrderStatus     `json:"status"`
	PaymentStatus PaymentStatus   `json:"payment_status"`
	Total         decimal.Decimal `json:"total"`
	Reason        string          `json:"reason,omitempty"`
}

func (o Order) Event() OrderEvent {
	return OrderEvent{
		OrderID:       o.ID,
		OrderNumber:   o.OrderNumber,
		UserID:        o.UserID,
		Status:        o.Status,
		PaymentStatus: o.PaymentStatus,
		Total:         o.Total,
	}
}
