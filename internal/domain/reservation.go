package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ReservationStatus описывает жизненный цикл резерва товара.
type ReservationStatus string

const (
	// ReservationStatusPending: резерв создан, депозит ещё не подтверждён провайдером.
	ReservationStatusPending ReservationStatus = "PENDING"
	// ReservationStatusActive: депозит 10% оплачен, товар удерживается.
	ReservationStatusActive ReservationStatus = "ACTIVE"
	// ReservationStatusConfirmed: клиент подтвердил и инициировал оплату остатка.
	ReservationStatusConfirmed ReservationStatus = "CONFIRMED"
	// ReservationStatusReadyForPickup: магазин подготовил товар к выдаче.
	ReservationStatusReadyForPickup ReservationStatus = "READY_FOR_PICKUP"
	// ReservationStatusCompleted: финальный платёж получен.
	ReservationStatusCompleted ReservationStatus = "COMPLETED"
	// ReservationStatusCancelled: отменён клиентом или из-за неуспешного платежа.
	ReservationStatusCancelled ReservationStatus = "CANCELLED"
	// ReservationStatusExpired: истёк срок активного резерва.
	ReservationStatusExpired ReservationStatus = "EXPIRED"
)

// DefaultReservationDays: срок жизни резерва по умолчанию.
const DefaultReservationDays = 7

// PaymentFailedReason: причина отмены при неуспешном платеже.
const PaymentFailedReason = "Payment failed"

const (
	maxMetadataKeys     = 32
	maxMetadataKeyLen   = 64
	maxMetadataValueLen = 1024
)

var (
	pendingRefundRate = decimal.RequireFromString("0.95")
	activeRefundRate  = decimal.RequireFromString("0.85")
	sumTolerance      = decimal.RequireFromString("0.01")
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s ReservationStatus) Valid() bool {
	switch s {
	case ReservationStatusPending, ReservationStatusActive, ReservationStatusConfirmed,
		ReservationStatusReadyForPickup, ReservationStatusCompleted,
		ReservationStatusCancelled, ReservationStatusExpired:
		return true
	default:
		return false
	}
}

// Blocking: статусы, при которых товар недоступен для нового резерва.
func (s ReservationStatus) Blocking() bool {
	switch s {
	case ReservationStatusPending, ReservationStatusActive, ReservationStatusConfirmed, ReservationStatusReadyForPickup:
		return true
	default:
		return false
	}
}

// BlockingStatuses перечисляет блокирующие статусы (для запросов к хранилищу).
func BlockingStatuses() []ReservationStatus {
	return []ReservationStatus{
		ReservationStatusPending,
		ReservationStatusActive,
		ReservationStatusConfirmed,
		ReservationStatusReadyForPickup,
	}
}

// shopTransitions: allow-list ручных переходов со стороны магазина.
var shopTransitions = map[ReservationStatus][]ReservationStatus{
	ReservationStatusActive:         {ReservationStatusReadyForPickup},
	ReservationStatusConfirmed:      {ReservationStatusReadyForPickup, ReservationStatusCompleted},
	ReservationStatusReadyForPickup: {ReservationStatusCompleted},
}

// CanTransition сообщает, разрешён ли ручной переход from → to.
func CanTransition(from, to ReservationStatus) bool {
	for _, allowed := range shopTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// RefundFor применяет политику возврата депозита: чем раньше отмена, тем меньше штраф.
func RefundFor(status ReservationStatus, deposit Money) Money {
	switch status {
	case ReservationStatusPending:
		return deposit.Multiply(pendingRefundRate)
	case ReservationStatusActive:
		return deposit.Multiply(activeRefundRate)
	default:
		return ZeroMoney(deposit.Currency())
	}
}

// Reservation описывает резерв товара клиентом.
type Reservation struct {
	ID        string
	UserID    string
	ProductID string
	ShopID    string

	ReservationAmount Money
	RemainingAmount   Money
	TotalAmount       Money

	Status          ReservationStatus
	ReservationDate time.Time
	ExpiryDate      time.Time

	// ExternalPaymentReference связывает резерв с payment intent депозита.
	ExternalPaymentReference string

	ConfirmationDate  *time.Time
	CancelationDate   *time.Time
	CancelationReason string

	Metadata map[string]string

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ReservationParams: входные данные для NewReservation.
type ReservationParams struct {
	ID               string
	UserID           string
	ProductID        string
	ShopID           string
	Amounts          ReservationAmounts
	PaymentReference string
	Now              time.Time
	Days             int
}

// NewReservation создаёт резерв в статусе PENDING.
func NewReservation(p ReservationParams) Reservation {
	now := p.Now.UTC()
	return Reservation{
		ID:                       p.ID,
		UserID:                   p.UserID,
		ProductID:                p.ProductID,
		ShopID:                   p.ShopID,
		ReservationAmount:        p.Amounts.Reservation,
		RemainingAmount:          p.Amounts.Remaining,
		TotalAmount:              p.Amounts.Total,
		Status:                   ReservationStatusPending,
		ReservationDate:          now,
		ExpiryDate:               CalculateExpiryDate(now, p.Days),
		ExternalPaymentReference: p.PaymentReference,
		Metadata:                 make(map[string]string),
		CreatedAt:                now,
		UpdatedAt:                now,
	}
}

// ValidateInvariants проверяет базовые инварианты резерва и возвращает список замечаний.
func (r *Reservation) ValidateInvariants() []error {
	var errs []error

	if r.UserID == "" {
		errs = append(errs, ErrUserRequired)
	}
	if r.ProductID == "" {
		errs = append(errs, ErrProductRequired)
	}
	if r.ShopID == "" {
		errs = append(errs, ErrShopRequired)
	}
	if !r.ExpiryDate.After(r.ReservationDate) {
		errs = append(errs, ErrExpiryBeforeStart)
	}

	sum, err := r.ReservationAmount.Add(r.RemainingAmount)
	if err != nil {
		errs = append(errs, err)
	} else if sum.Currency() != r.TotalAmount.Currency() ||
		sum.Amount().Sub(r.TotalAmount.Amount()).Abs().GreaterThan(sumTolerance) {
		errs = append(errs, ErrAmountsMismatch)
	}

	return errs
}

// IsBlocking: резерв удерживает товар.
func (r *Reservation) IsBlocking() bool { return r.Status.Blocking() }

// CanCancel: отмена возможна только до подтверждения.
func (r *Reservation) CanCancel() bool {
	return r.Status == ReservationStatusPending || r.Status == ReservationStatusActive
}

// CanConfirm: только ACTIVE и срок ещё не истёк.
func (r *Reservation) CanConfirm(now time.Time) bool {
	return r.Status == ReservationStatusActive && !now.After(r.ExpiryDate)
}

// IsExpired не меняет состояние.
func (r *Reservation) IsExpired(now time.Time) bool {
	return now.After(r.ExpiryDate)
}

// RefundAmount зависит только от статуса.
func (r *Reservation) RefundAmount() Money {
	return RefundFor(r.Status, r.ReservationAmount)
}

// Activate переводит PENDING → ACTIVE после оплаты депозита.
func (r *Reservation) Activate(now time.Time) error {
	if r.Status != ReservationStatusPending {
		return r.stateError(ReservationStatusActive)
	}
	r.Status = ReservationStatusActive
	r.touch(now)
	return nil
}

// Confirm переводит ACTIVE → CONFIRMED и запоминает платёж остатка.
func (r *Reservation) Confirm(now time.Time, finalPaymentRef string) error {
	if !r.CanConfirm(now) {
		return r.stateError(ReservationStatusConfirmed)
	}
	ts := now.UTC()
	r.Status = ReservationStatusConfirmed
	r.ConfirmationDate = &ts
	if finalPaymentRef != "" {
		r.setMetadataUnchecked(MetadataFinalPaymentRef, finalPaymentRef)
	}
	r.touch(now)
	return nil
}

// Complete фиксирует финальный платёж (CONFIRMED → COMPLETED).
func (r *Reservation) Complete(now time.Time) error {
	if r.Status != ReservationStatusConfirmed {
		return r.stateError(ReservationStatusCompleted)
	}
	r.Status = ReservationStatusCompleted
	r.touch(now)
	return nil
}

// Cancel отменяет резерв клиентом.
func (r *Reservation) Cancel(now time.Time, reason string) error {
	if !r.CanCancel() {
		return r.stateError(ReservationStatusCancelled)
	}
	r.markCancelled(now, reason)
	return nil
}

// FailPayment отменяет резерв после неуспешного платежа.
func (r *Reservation) FailPayment(now time.Time) error {
	if !r.CanCancel() {
		return r.stateError(ReservationStatusCancelled)
	}
	r.markCancelled(now, PaymentFailedReason)
	return nil
}

// Expire переводит просроченный ACTIVE резерв в EXPIRED.
func (r *Reservation) Expire(now time.Time) error {
	if r.Status != ReservationStatusActive || !r.IsExpired(now) {
		return r.stateError(ReservationStatusExpired)
	}
	r.Status = ReservationStatusExpired
	r.touch(now)
	return nil
}

// TransitionTo применяет ручной переход магазина по allow-list.
func (r *Reservation) TransitionTo(to ReservationStatus, now time.Time) error {
	if !CanTransition(r.Status, to) {
		return r.stateError(to)
	}
	r.Status = to
	r.touch(now)
	return nil
}

// SetMetadata добавляет ключ с проверкой ограничений.
func (r *Reservation) SetMetadata(key, value string) error {
	if key == "" || len(key) > maxMetadataKeyLen || len(value) > maxMetadataValueLen {
		return fmt.Errorf("%w: key %q", ErrMetadataLimit, key)
	}
	if _, exists := r.Metadata[key]; !exists && len(r.Metadata) >= maxMetadataKeys {
		return fmt.Errorf("%w: more than %d keys", ErrMetadataLimit, maxMetadataKeys)
	}
	r.setMetadataUnchecked(key, value)
	return nil
}

func (r *Reservation) setMetadataUnchecked(key, value string) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]string)
	}
	r.Metadata[key] = value
}

func (r *Reservation) markCancelled(now time.Time, reason string) {
	ts := now.UTC()
	r.Status = ReservationStatusCancelled
	r.CancelationDate = &ts
	r.CancelationReason = reason
	r.touch(now)
}

func (r *Reservation) touch(now time.Time) {
	r.UpdatedAt = now.UTC()
}

func (r *Reservation) stateError(to ReservationStatus) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidState, r.Status, to)
}

// Ключи metadata, которые пишет сам сервис.
const (
	MetadataFinalPaymentRef = "final_payment_reference"
	MetadataShopNotes       = "shop_notes"
	MetadataCheckoutSession = "checkout_session"
)
