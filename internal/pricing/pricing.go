// Package pricing computes sale totals from a cart snapshot. It is pure
// computation over decimals: the interactive checkout path and the
// offline replay path both call it, so a queued sale and a live sale
// always price identically.
package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"swiftpos/backend/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// epsilon is the tolerance when comparing client-submitted totals with
// server-recomputed ones: one cent.
var epsilon = decimal.New(1, -2)

// LineResult carries the per-line figures before any rounding.
type LineResult struct {
	LineTotal  decimal.Decimal
	Discount   decimal.Decimal
	FinalTotal decimal.Decimal
}

// Totals carries the cart-level figures. Nothing is rounded until
// Rounded is called, so rounding error never compounds across lines.
type Totals struct {
	Subtotal   decimal.Decimal
	Discount   decimal.Decimal
	Taxable    decimal.Decimal
	Tax        decimal.Decimal
	GrandTotal decimal.Decimal
}

// Line computes one cart line. A percent discount is clamped to 100%, a
// flat discount is clamped to the line total, and negative discount
// values count as zero; a line never discounts below zero or above
// itself. Exactly one discount applies per line.
func Line(item domain.CartItem) (LineResult, error) {
	if item.Quantity < 1 {
		return LineResult{}, fmt.Errorf("sku %s: quantity must be at least 1", item.SKU)
	}

	lineTotal := item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))

	value := item.DiscountValue
	if value.IsNegative() {
		value = decimal.Zero
	}

	var discount decimal.Decimal
	switch item.DiscountType {
	case domain.DiscountNone, "":
		discount = decimal.Zero
	case domain.DiscountPercent:
		if value.GreaterThan(hundred) {
			value = hundred
		}
		discount = lineTotal.Mul(value).Div(hundred)
	case domain.DiscountFlat:
		discount = value
		if discount.GreaterThan(lineTotal) {
			discount = lineTotal
		}
	default:
		return LineResult{}, fmt.Errorf("sku %s: unknown discount type %q", item.SKU, item.DiscountType)
	}

	return LineResult{
		LineTotal:  lineTotal,
		Discount:   discount,
		FinalTotal: lineTotal.Sub(discount),
	}, nil
}

// Compute prices a whole cart at the given tax rate (percent).
func Compute(items []domain.CartItem, taxRatePercent decimal.Decimal) (Totals, error) {
	if taxRatePercent.IsNegative() || taxRatePercent.GreaterThan(hundred) {
		return Totals{}, fmt.Errorf("tax rate %s out of range", taxRatePercent)
	}

	subtotal := decimal.Zero
	discount := decimal.Zero
	for _, item := range items {
		line, err := Line(item)
		if err != nil {
			return Totals{}, err
		}
		subtotal = subtotal.Add(line.LineTotal)
		discount = discount.Add(line.Discount)
	}

	taxable := subtotal.Sub(discount)
	tax := taxable.Mul(taxRatePercent).Div(hundred)

	return Totals{
		Subtotal:   subtotal,
		Discount:   discount,
		Taxable:    taxable,
		Tax:        tax,
		GrandTotal: taxable.Add(tax),
	}, nil
}

// Rounded returns the totals rounded half-up to 2 decimal places. This
// is applied once, at commit time, never on intermediate figures.
func (t Totals) Rounded() Totals {
	return Totals{
		Subtotal:   t.Subtotal.Round(2),
		Discount:   t.Discount.Round(2),
		Taxable:    t.Taxable.Round(2),
		Tax:        t.Tax.Round(2),
		GrandTotal: t.GrandTotal.Round(2),
	}
}

// WithinTolerance reports whether two amounts agree within one cent.
// Client and server round independently, so exact equality is too
// strict for total comparison.
func WithinTolerance(a decimal.Decimal, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(epsilon)
}
