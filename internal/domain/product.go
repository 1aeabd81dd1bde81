package domain

import "time"

// Product описывает товар магазина, который можно зарезервировать.
type Product struct {
	ID          string
	ShopID      string
	Name        string
	Price       Money
	IsAvailable bool
	UpdatedAt   time.Time
}
