package domain

import "time"

// Значения metadata.type, которыми помечаются платежи резервов.
const (
	PaymentTypeReservation             = "reservation"
	PaymentTypeReservationConfirmation = "reservation_confirmation"
)

// Ключи metadata платежа.
const (
	PaymentMetaType                  = "type"
	PaymentMetaReservationID         = "reservation_id"
	PaymentMetaUserID                = "user_id"
	PaymentMetaProductID             = "product_id"
	PaymentMetaShopID                = "shop_id"
	PaymentMetaOriginalPaymentIntent = "original_payment_intent"
	PaymentMetaReservationAmount     = "reservation_amount"
)

// PaymentIntentStatus: статус payment intent у провайдера.
type PaymentIntentStatus string

const (
	PaymentIntentSucceeded             PaymentIntentStatus = "succeeded"
	PaymentIntentProcessing            PaymentIntentStatus = "processing"
	PaymentIntentRequiresAction        PaymentIntentStatus = "requires_action"
	PaymentIntentRequiresPaymentMethod PaymentIntentStatus = "requires_payment_method"
	PaymentIntentCanceled              PaymentIntentStatus = "canceled"
)

// PaymentIntentRequest задаёт параметры списания в минимальных единицах валюты.
type PaymentIntentRequest struct {
	AmountMinor     int64
	Currency        string
	PaymentMethodID string
	CustomerID      string
	Metadata        map[string]string
	// IdempotencyKey передаётся провайдеру, чтобы повтор запроса не создал второй платёж.
	IdempotencyKey string
}

// PaymentIntent содержит результат создания или чтения платежа.
type PaymentIntent struct {
	ID           string
	ClientSecret string
	Status       PaymentIntentStatus
	AmountMinor  int64
	Currency     string
	Metadata     map[string]string
}

// RefundRequest описывает возврат части или всего платежа.
type RefundRequest struct {
	PaymentIntentID string
	AmountMinor     int64
	Reason          string
	// IdempotencyKey не даёт провайдеру провести один и тот же возврат дважды.
	IdempotencyKey string
}

// DepositRefundKey общий для отмены и истечения: депозит резерва возвращается не больше одного раза.
func DepositRefundKey(reservationID string) string {
	return "reservation-refund-" + reservationID
}

// Refund: запись о возврате у провайдера.
type Refund struct {
	ID              string
	PaymentIntentID string
	Status          string
	AmountMinor     int64
}

// PaymentEventType: тип webhook-события провайдера.
type PaymentEventType string

const (
	PaymentEventCheckoutCompleted   PaymentEventType = "checkout.session.completed"
	PaymentEventIntentSucceeded     PaymentEventType = "payment_intent.succeeded"
	PaymentEventIntentPaymentFailed PaymentEventType = "payment_intent.payment_failed"
)

// CheckoutPaid: значение payment_status оплаченной checkout-сессии.
const CheckoutPaid = "paid"

// PaymentObject: нормализованный data.object webhook-события.
type PaymentObject struct {
	ID string
	// PaymentIntentID заполнен для checkout-сессии; для payment intent совпадает с ID.
	PaymentIntentID string
	PaymentStatus   string
	AmountMinor     int64
	Currency        string
	CustomerID      string
	Metadata        map[string]string
}

// PaymentEvent представляет проверенное webhook-событие.
type PaymentEvent struct {
	ID      string
	Type    PaymentEventType
	Created time.Time
	Object  PaymentObject
}

// MetadataType возвращает metadata.type объекта события.
func (e PaymentEvent) MetadataType() string {
	return e.Object.Metadata[PaymentMetaType]
}
