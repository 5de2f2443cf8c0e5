package services

import (
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"storefront/models"
)

var (
	taxRate         = decimal.RequireFromString("0.20")
	hundred         = decimal.NewFromInt(100)
	defaultShipping = decimal.RequireFromString("4.99")

	shippingRates = map[string]decimal.Decimal{
		"standard": decimal.RequireFromString("4.99"),
		"express":  decimal.RequireFromString("9.99"),
		"next-day": decimal.RequireFromString("14.99"),
	}
)

type Quote struct {
	Subtotal     decimal.Decimal
	ShippingCost decimal.Decimal
	Tax          decimal.Decimal
	Total        decimal.Decimal
}

type QuoteLine struct {
	Price              decimal.Decimal
	DiscountPercentage decimal.Decimal
	Quantity           int
}

// ShippingCost falls back to the standard rate for unknown options.
func ShippingCost(deliveryOption string) decimal.Decimal {
	if cost, ok := shippingRates[deliveryOption]; ok {
		return cost.Round(2)
	}
	return defaultShipping.Round(2)
}

// DiscountedLineTotal is price x (1 - discount/100) x quantity, unrounded.
func DiscountedLineTotal(line QuoteLine) decimal.Decimal {
	factor := decimal.NewFromInt(1).Sub(line.DiscountPercentage.Div(hundred))
	return line.Price.Mul(factor).Mul(decimal.NewFromInt(int64(line.Quantity)))
}

// LineSubtotal is the persisted order line subtotal. It does not apply the
// discount.
func LineSubtotal(price decimal.Decimal, quantity int) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(int64(quantity))).Round(2)
}

// PriceOrder computes the financial snapshot of an order. Tax is taken on the
// unrounded line sum; each component is rounded to 2 places before the total
// is summed.
func PriceOrder(lines []QuoteLine, deliveryOption string) Quote {
	sum := decimal.Zero
	for _, line := range lines {
		sum = sum.Add(DiscountedLineTotal(line))
	}

	subtotal := sum.Round(2)
	shipping := ShippingCost(deliveryOption)
	tax := sum.Mul(taxRate).Round(2)

	return Quote{
		Subtotal:     subtotal,
		ShippingCost: shipping,
		Tax:          tax,
		Total:        subtotal.Add(shipping).Add(tax),
	}
}

func quoteLine(p models.Product, quantity int) QuoteLine {
	return QuoteLine{Price: p.Price, DiscountPercentage: p.DiscountPercentage, Quantity: quantity}
}

// MinorUnits converts amount to the smallest unit of cur (pence for GBP).
func MinorUnits(amount decimal.Decimal, cur currency.Unit) int64 {
	scale, _ := currency.Standard.Rounding(cur)
	return amount.Shift(int32(scale)).Round(0).IntPart()
}
