package httpapi

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// maxWebhookBody: Stripe не присылает события больше 64 KiB.
const maxWebhookBody = 64 << 10

func (h *handlers) handlePaymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorBody("bad_request", "cannot read body"))
		return
	}
	if len(payload) > maxWebhookBody {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, errorBody("payload_too_large", "webhook body is too large"))
		return
	}

	event, err := h.verifier.Parse(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		respondError(c, err)
		return
	}

	result, err := h.webhooks.Handle(c.Request.Context(), event)
	if err != nil {
		// Не-2xx заставляет провайдера повторить доставку.
		h.logger.WithError(err).WithFields(log.Fields{
			"event_id":   event.ID,
			"event_type": event.Type,
		}).Warn("webhook processing failed")
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "result": result})
}
