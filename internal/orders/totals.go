package orders

import (
	"fmt"

	"settlement-api/internal/models"
	"settlement-api/internal/money"

	"github.com/shopspring/decimal"
)

// Subtotal is the sum of line nets.
func Subtotal(order *models.Order) decimal.Decimal {
	sum := decimal.Zero
	for _, item := range order.Items {
		sum = sum.Add(item.LineNet())
	}
	return sum
}

// CreditTotal is the sum of all applied credits.
func CreditTotal(order *models.Order) decimal.Decimal {
	sum := decimal.Zero
	for _, c := range order.Credits {
		sum = sum.Add(c.Amount)
	}
	return sum
}

// CreditsByType sums credits per type, for gateways that show them separately.
func CreditsByType(order *models.Order) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, c := range order.Credits {
		out[c.Type] = out[c.Type].Add(c.Amount)
	}
	return out
}

// ComputeTotal returns Σ line net + tax + shipping + handling − Σ credits,
// rounded to the order currency.
func ComputeTotal(order *models.Order) decimal.Decimal {
	total := Subtotal(order).
		Add(order.Tax).
		Add(order.Shipping).
		Add(order.Handling).
		Sub(CreditTotal(order))
	return money.Round(total, order.Currency)
}

// Recalculate stores the computed total on the order. A negative total is an error
// and leaves the order untouched.
func Recalculate(order *models.Order) error {
	total := ComputeTotal(order)
	if total.IsNegative() {
		return fmt.Errorf("%w: %s", ErrNegativeTotal, total.StringFixed(2))
	}
	order.Total = total
	return nil
}

// BalanceDue is the total not yet covered by payments, never below zero.
func BalanceDue(order *models.Order) decimal.Decimal {
	due := order.Total.Sub(order.AmountPaid)
	if due.IsNegative() {
		return decimal.Zero
	}
	return money.Round(due, order.Currency)
}

// CheckInvariant verifies the stored total against the persisted lines and credits.
func CheckInvariant(order *models.Order) error {
	want := ComputeTotal(order)
	if !money.Equal(order.Total, want, order.Currency) {
		return fmt.Errorf("order %d total %s does not match computed %s",
			order.ID, order.Total.String(), want.String())
	}
	if want.IsNegative() {
		return fmt.Errorf("%w: order %d", ErrNegativeTotal, order.ID)
	}
	return nil
}
