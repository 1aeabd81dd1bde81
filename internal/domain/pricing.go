package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

var depositRate = decimal.RequireFromString("0.10")

// ReservationAmounts: разбиение цены на депозит и остаток.
type ReservationAmounts struct {
	Total       Money
	Reservation Money
	Remaining   Money
}

// CalculateReservationAmount считает депозит 10% и остаток.
// Остаток получается вычитанием, поэтому Reservation+Remaining всегда равно Total.
func CalculateReservationAmount(price Money) ReservationAmounts {
	deposit := price.Multiply(depositRate)
	remaining, _ := price.Subtract(deposit) // валюта одна и та же
	return ReservationAmounts{
		Total:       price,
		Reservation: deposit,
		Remaining:   remaining,
	}
}

// CalculateExpiryDate прибавляет календарные дни без учёта DST.
func CalculateExpiryDate(from time.Time, days int) time.Time {
	if days <= 0 {
		days = DefaultReservationDays
	}
	return from.AddDate(0, 0, days)
}

// ValidateReservationRules собирает все нарушения, не останавливаясь на первом.
func ValidateReservationRules(product *Product, userID string) []error {
	var errs []error

	if product == nil {
		errs = append(errs, ErrProductRequired)
	} else if !product.IsAvailable {
		errs = append(errs, ErrProductUnavailable)
	}
	if userID == "" {
		errs = append(errs, ErrUserRequired)
	}

	return errs
}
