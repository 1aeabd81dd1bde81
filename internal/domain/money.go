package domain

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultCurrency используется, если валюта не указана.
const DefaultCurrency = "EGP"

var hundred = decimal.NewFromInt(100)

// Money представляет неизменяемую денежную сумму с точностью до 2 знаков.
type Money struct {
	amount   decimal.Decimal
	currency string
}

// NewMoney создаёт сумму; отрицательные значения запрещены.
func NewMoney(amount decimal.Decimal, currency string) (Money, error) {
	if amount.IsNegative() {
		return Money{}, fmt.Errorf("%w: %s", ErrInvalidAmount, amount.String())
	}
	if currency == "" {
		currency = DefaultCurrency
	}
	return Money{amount: amount.Round(2), currency: currency}, nil
}

// MoneyFromMinor строит сумму из минимальных единиц (пиастры, центы).
func MoneyFromMinor(minor int64, currency string) (Money, error) {
	return NewMoney(decimal.New(minor, -2), currency)
}

// MustMoney разбирает строку вида "1000.00" и паникует на ошибке. Только для констант и тестов.
func MustMoney(amount, currency string) Money {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		panic(err)
	}
	m, err := NewMoney(d, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// ZeroMoney возвращает нулевую сумму в валюте.
func ZeroMoney(currency string) Money {
	if currency == "" {
		currency = DefaultCurrency
	}
	return Money{amount: decimal.Zero, currency: currency}
}

func (m Money) Amount() decimal.Decimal { return m.amount }

func (m Money) Currency() string {
	if m.currency == "" {
		return DefaultCurrency
	}
	return m.currency
}

// Multiply возвращает новую сумму amount*factor, округлённую до 2 знаков.
func (m Money) Multiply(factor decimal.Decimal) Money {
	return Money{amount: m.amount.Mul(factor).Round(2), currency: m.Currency()}
}

// Subtract вычитает other. Результат может быть отрицательным: конструктор не вызывается.
func (m Money) Subtract(other Money) (Money, error) {
	if m.Currency() != other.Currency() {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency(), other.Currency())
	}
	return Money{amount: m.amount.Sub(other.amount).Round(2), currency: m.Currency()}, nil
}

// Add складывает суммы одной валюты.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency() != other.Currency() {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency(), other.Currency())
	}
	return Money{amount: m.amount.Add(other.amount).Round(2), currency: m.Currency()}, nil
}

// MinorUnits возвращает round(amount*100) для API провайдера.
func (m Money) MinorUnits() int64 {
	return m.amount.Mul(hundred).Round(0).IntPart()
}

func (m Money) IsZero() bool     { return m.amount.IsZero() }
func (m Money) IsPositive() bool { return m.amount.IsPositive() }
func (m Money) IsNegative() bool { return m.amount.IsNegative() }

// Equal сравнивает сумму и валюту.
func (m Money) Equal(other Money) bool {
	return m.Currency() == other.Currency() && m.amount.Equal(other.amount)
}

func (m Money) String() string {
	return m.amount.StringFixed(2) + " " + m.Currency()
}

type moneyJSON struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(moneyJSON{Amount: m.amount.StringFixed(2), Currency: m.Currency()})
}

func (m *Money) UnmarshalJSON(data []byte) error {
	var raw moneyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d, err := decimal.NewFromString(raw.Amount)
	if err != nil {
		return fmt.Errorf("parse amount: %w", err)
	}
	parsed, err := NewMoney(d, raw.Currency)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
