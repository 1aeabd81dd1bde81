package payment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/vladislavdragonenkov/jms/internal/domain"
)

// StripeVerifier проверяет заголовок Stripe-Signature общим секретом.
type StripeVerifier struct {
	secret string
}

func NewStripeVerifier(secret string) *StripeVerifier {
	return &StripeVerifier{secret: secret}
}

func (v *StripeVerifier) Parse(payload []byte, signature string) (domain.PaymentEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return domain.PaymentEvent{}, fmt.Errorf("%w: %v", domain.ErrWebhookSignature, err)
	}
	if event.Data == nil {
		return domain.PaymentEvent{}, fmt.Errorf("%w: event %s without data", domain.ErrWebhookPayload, event.ID)
	}
	return normalize(event.ID, string(event.Type), event.Created, event.Data.Raw)
}

// InsecureVerifier разбирает webhook без проверки подписи. Только для локальной разработки.
type InsecureVerifier struct {
	logger *log.Entry
}

func NewInsecureVerifier(logger *log.Entry) *InsecureVerifier {
	if logger == nil {
		logger = log.WithField("component", "webhook-verifier")
	}
	logger.Warn("webhook signature verification is DISABLED (development mode)")
	return &InsecureVerifier{logger: logger}
}

func (v *InsecureVerifier) Parse(payload []byte, _ string) (domain.PaymentEvent, error) {
	var envelope struct {
		ID      string `json:"id"`
		Type    string `json:"type"`
		Created int64  `json:"created"`
		Data    struct {
			Object json.RawMessage `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return domain.PaymentEvent{}, fmt.Errorf("%w: %v", domain.ErrWebhookPayload, err)
	}
	v.logger.WithField("event_id", envelope.ID).Debug("accepted unsigned webhook")
	return normalize(envelope.ID, envelope.Type, envelope.Created, envelope.Data.Object)
}

// stripeObject: поля data.object, общие для checkout.session и payment_intent.
type stripeObject struct {
	ID            string            `json:"id"`
	Object        string            `json:"object"`
	PaymentIntent json.RawMessage   `json:"payment_intent"`
	PaymentStatus string            `json:"payment_status"`
	Amount        int64             `json:"amount"`
	AmountTotal   int64             `json:"amount_total"`
	Currency      string            `json:"currency"`
	Customer      json.RawMessage   `json:"customer"`
	Metadata      map[string]string `json:"metadata"`
}

func normalize(id, eventType string, created int64, raw json.RawMessage) (domain.PaymentEvent, error) {
	if id == "" || eventType == "" {
		return domain.PaymentEvent{}, fmt.Errorf("%w: id and type are required", domain.ErrWebhookPayload)
	}

	var obj stripeObject
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &obj); err != nil {
			return domain.PaymentEvent{}, fmt.Errorf("%w: data.object: %v", domain.ErrWebhookPayload, err)
		}
	}

	normalized := domain.PaymentObject{
		ID:              obj.ID,
		PaymentIntentID: expandableID(obj.PaymentIntent),
		PaymentStatus:   obj.PaymentStatus,
		AmountMinor:     obj.Amount,
		Currency:        obj.Currency,
		CustomerID:      expandableID(obj.Customer),
		Metadata:        obj.Metadata,
	}
	if normalized.AmountMinor == 0 {
		normalized.AmountMinor = obj.AmountTotal
	}
	if obj.Object == "payment_intent" || normalized.PaymentIntentID == "" {
		normalized.PaymentIntentID = obj.ID
	}
	if normalized.Metadata == nil {
		normalized.Metadata = map[string]string{}
	}

	return domain.PaymentEvent{
		ID:      id,
		Type:    domain.PaymentEventType(eventType),
		Created: time.Unix(created, 0).UTC(),
		Object:  normalized,
	}, nil
}

// expandableID достаёт id из поля, которое Stripe отдаёт строкой или развёрнутым объектом.
func expandableID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

var (
	_ domain.WebhookVerifier = (*StripeVerifier)(nil)
	_ domain.WebhookVerifier = (*InsecureVerifier)(nil)
)
