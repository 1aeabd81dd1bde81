package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vladislavdragonenkov/jms/internal/domain"
)

type errorMapping struct {
	target error
	status int
	code   string
}

// Порядок важен: ValidationError разворачивается в правила, поэтому проверяется первым.
var errorMappings = []errorMapping{
	{domain.ErrValidationFailed, http.StatusUnprocessableEntity, "validation_failed"},
	{domain.ErrMissingFields, http.StatusBadRequest, "missing_fields"},
	{domain.ErrWebhookSignature, http.StatusBadRequest, "invalid_signature"},
	{domain.ErrWebhookPayload, http.StatusBadRequest, "invalid_payload"},
	{domain.ErrReservationNotFound, http.StatusNotFound, "not_found"},
	{domain.ErrProductNotFound, http.StatusNotFound, "not_found"},
	{domain.ErrMediaNotFound, http.StatusNotFound, "not_found"},
	{domain.ErrUnauthorized, http.StatusForbidden, "forbidden"},
	{domain.ErrAlreadyReserved, http.StatusConflict, "already_reserved"},
	{domain.ErrInvalidState, http.StatusConflict, "invalid_state"},
	{domain.ErrInvalidMediaState, http.StatusConflict, "invalid_state"},
	{domain.ErrReservationVersionConflict, http.StatusConflict, "conflict"},
	{domain.ErrIdempotencyKeyAlreadyExists, http.StatusConflict, "conflict"},
	{domain.ErrIdempotencyHashMismatch, http.StatusConflict, "conflict"},
	{domain.ErrMediaExpired, http.StatusGone, "expired"},
	{domain.ErrInvalidFileType, http.StatusUnsupportedMediaType, "invalid_file_type"},
	{domain.ErrFileTooLarge, http.StatusRequestEntityTooLarge, "file_too_large"},
	{domain.ErrInvalidAmount, http.StatusUnprocessableEntity, "validation_failed"},
	{domain.ErrCurrencyMismatch, http.StatusUnprocessableEntity, "validation_failed"},
	{domain.ErrPaymentProvider, http.StatusBadGateway, "payment_provider_error"},
}

// statusFor сопоставляет доменную ошибку HTTP-статусу.
func statusFor(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

func errorBody(code, message string) gin.H {
	return gin.H{"error": gin.H{"code": code, "message": message}}
}

// respondError пишет ответ об ошибке; внутренние детали 5xx наружу не отдаются.
func respondError(c *gin.Context, err error) {
	status, code := statusFor(err)
	_ = c.Error(err)

	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	if status == http.StatusBadGateway {
		message = "payment provider is unavailable"
	}
	c.AbortWithStatusJSON(status, errorBody(code, message))
}
