package domain

import "github.com/shopspring/decimal"

// CurrencyINR is the only settlement currency.
const CurrencyINR = "INR"

var hundred = decimal.NewFromInt(100)

// RupeesToPaise converts a rupee amount into paise, rounding half away from zero.
func RupeesToPaise(rupees float64) int64 {
	return decimal.NewFromFloat(rupees).Mul(hundred).Round(0).IntPart()
}

// PaiseToRupees renders a paise amount as a two-place rupee decimal.
func PaiseToRupees(paise int64) decimal.Decimal {
	return decimal.New(paise, -2)
}

// PercentOf returns pct percent of amount, rounded to the nearest paisa.
func PercentOf(amount int64, pct float64) int64 {
	if amount == 0 || pct == 0 {
		return 0
	}
	return decimal.NewFromInt(amount).
		Mul(decimal.NewFromFloat(pct)).
		Div(hundred).
		Round(0).
		IntPart()
}

// OrderTotal computes max(0, subtotal + shipping - discount).
func OrderTotal(subtotal, shipping, discount int64) int64 {
	total := subtotal + shipping - discount
	if total < 0 {
		return 0
	}
	return total
}
