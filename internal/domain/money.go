package domain

import "github.com/shopspring/decimal"

// Money converts a wire amount into a decimal rounded to cents.
func Money(amount float64) decimal.Decimal {
	return decimal.NewFromFloat(amount).Round(2)
}

// AmountsEqual compares two currency amounts at cent precision.
func AmountsEqual(a, b float64) bool {
	return Money(a).Equal(Money(b))
}

// TicketTotal returns quantity * price at cent precision.
func TicketTotal(price float64, quantity int) decimal.Decimal {
	return Money(price).Mul(decimal.NewFromInt(int64(quantity))).Round(2)
}

// Cents converts an amount to the integer minor units payment providers use.
func Cents(amount float64) int64 {
	return Money(amount).Shift(2).IntPart()
}
