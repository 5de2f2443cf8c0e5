package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	Price              decimal.Decimal `json:"price"`
	DiscountPercentage decimal.Decimal `json:"discount_percentage"`
	StockQuantity      int             `json:"stock_quantity"`
	IsActive           bool            `json:"is_active"`
}

type Address struct {
	ID           string `json:"id"`
	UserID       string `json:"user_id"`
	AddressLine1 string `json:"address_line1"`
	AddressLine2 string `json:"address_line2,omitempty"`
	City         string `json:"city"`
	County       string `json:"county,omitempty"`
	Postcode     string `json:"postcode"`
	Country      string `json:"country"`
}

type Cart struct {
	ID     string     `json:"id"`
	UserID string     `json:"user_id"`
	Lines  []CartLine `json:"items"`
}

// CartLine keeps the price seen when the product was added. Checkout prices
// from the catalog, not from this snapshot.
type CartLine struct {
	ID              string          `json:"id"`
	CartID          string          `json:"cart_id"`
	ProductID       string          `json:"product_id"`
	Quantity        int             `json:"quantity"`
	PriceAtAddition decimal.Decimal `json:"price_at_addition"`
	CreatedAt       time.Time       `json:"created_at"`
}

type AddToCartRequest struct {
	ProductID string `json:"product_id" binding:"required"`
	Quantity  int    `json:"quantity" binding:"required,min=1"`
}

type CartResponse struct {
	Items     []CartLine      `json:"items"`
	Total     decimal.Decimal `json:"total"`
	ItemCount int             `json:"item_count"`
}
