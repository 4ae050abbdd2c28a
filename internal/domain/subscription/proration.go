package subscription

import (
	"github.com/shopspring/decimal"
)

// Prorate returns the charge for switching plans with remainingDays left on a
// plan of durationDays. Negative results mean the new plan is cheaper. The
// result is rounded half-to-even to two decimal places.
func Prorate(oldPrice, newPrice decimal.Decimal, remainingDays, durationDays int) decimal.Decimal {
	if remainingDays <= 0 || durationDays <= 0 {
		return decimal.Zero
	}
	return newPrice.Sub(oldPrice).
		Mul(decimal.NewFromInt(int64(remainingDays))).
		Div(decimal.NewFromInt(int64(durationDays))).
		RoundBank(2)
}
