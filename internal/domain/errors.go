package domain

import (
	"errors"
	"strings"
)

var (
	// ErrInvalidAmount: отрицательная денежная сумма.
	ErrInvalidAmount = errors.New("amount must be non-negative")
	// ErrCurrencyMismatch: арифметика над суммами в разных валютах.
	ErrCurrencyMismatch = errors.New("currency mismatch")

	// ErrMissingFields: в запросе не заполнены обязательные поля.
	ErrMissingFields = errors.New("missing required fields")
	// ErrValidationFailed: нарушены бизнес-правила (см. ValidationError).
	ErrValidationFailed = errors.New("validation failed")
	// Ошибки правил резервирования.
	ErrProductRequired    = errors.New("product is required")
	ErrProductUnavailable = errors.New("product is not available")
	ErrUserRequired       = errors.New("user is required")
	ErrShopRequired       = errors.New("shop is required")
	ErrExpiryBeforeStart  = errors.New("expiry date must be after reservation date")
	ErrAmountsMismatch    = errors.New("reservation and remaining amounts do not add up to total")
	ErrMetadataLimit      = errors.New("metadata limit exceeded")

	// ErrReservationNotFound возвращается, если резерв не найден в репозитории.
	ErrReservationNotFound = errors.New("reservation not found")
	// ErrProductNotFound возвращается, если товар не найден.
	ErrProductNotFound = errors.New("product not found")
	// ErrUnauthorized: действующее лицо не владелец ресурса и не имеет привилегий.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidState: операция недопустима из текущего статуса.
	ErrInvalidState = errors.New("invalid reservation state")
	// ErrAlreadyReserved: на товар уже есть блокирующий резерв.
	ErrAlreadyReserved = errors.New("product already reserved")
	// ErrReservationVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrReservationVersionConflict = errors.New("reservation version conflict")

	// ErrPaymentProvider: ошибка обращения к платёжному провайдеру (ExternalServiceFailure).
	ErrPaymentProvider = errors.New("payment provider failure")
	// ErrWebhookSignature: подпись webhook не прошла проверку.
	ErrWebhookSignature = errors.New("invalid webhook signature")
	// ErrWebhookPayload: тело webhook не удалось разобрать.
	ErrWebhookPayload = errors.New("invalid webhook payload")

	// Ошибки медиа-пайплайна.
	ErrMediaUploadFailed = errors.New("media upload failed")
	ErrInvalidFileType   = errors.New("invalid file type")
	ErrFileTooLarge      = errors.New("file too large")
	ErrMediaNotFound     = errors.New("media not found")
	ErrMediaExpired      = errors.New("media expired")
	ErrObjectNotFound    = errors.New("object not found")
	ErrInvalidMediaState = errors.New("invalid media state")

	// ErrOutboxPublish: ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")

	// Ошибки idempotency-хранилища (дедупликация webhook).
	ErrIdempotencyKeyRequired         = errors.New("idempotency key is required")
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	ErrIdempotencyKeyAlreadyExists    = errors.New("idempotency key already exists")
	ErrIdempotencyHashMismatch        = errors.New("idempotency key reused with different payload")
	ErrIdempotencyKeyNotFound         = errors.New("idempotency key not found")
)

// ValidationError собирает все нарушенные правила, чтобы вызывающий увидел их разом.
type ValidationError struct {
	Errors []error
}

// NewValidationError возвращает nil, если нарушений нет.
func NewValidationError(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return &ValidationError{Errors: errs}
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		parts = append(parts, err.Error())
	}
	return ErrValidationFailed.Error() + ": " + strings.Join(parts, "; ")
}

// Is позволяет матчить ValidationError через errors.Is(err, ErrValidationFailed).
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

// Unwrap отдаёт отдельные нарушения для errors.Is по конкретному правилу.
func (e *ValidationError) Unwrap() []error {
	return e.Errors
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrReservationVersionConflict)
}

// IsIdempotencyConflict сообщает, что ключ уже занят (или занят другим payload).
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}
