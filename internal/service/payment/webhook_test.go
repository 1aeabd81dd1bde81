package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/jms/internal/domain"
)

const testWebhookSecret = "whsec_test"

func signPayload(payload []byte, secret string, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.%s", ts.Unix(), payload)))
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

const checkoutPayload = `{
	"id": "evt_checkout_1",
	"object": "event",
	"api_version": "2020-08-27",
	"type": "checkout.session.completed",
	"created": 1709287200,
	"data": {"object": {
		"id": "cs_1",
		"object": "checkout.session",
		"payment_intent": "pi_1",
		"payment_status": "paid",
		"amount_total": 10000,
		"currency": "egp",
		"customer": {"id": "cus_1"},
		"metadata": {"type": "reservation", "product_id": "prod-1", "user_id": "user-1"}
	}}
}`

func TestStripeVerifier_Parse(t *testing.T) {
	verifier := NewStripeVerifier(testWebhookSecret)
	payload := []byte(checkoutPayload)

	event, err := verifier.Parse(payload, signPayload(payload, testWebhookSecret, time.Now()))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if event.ID != "evt_checkout_1" || event.Type != domain.PaymentEventCheckoutCompleted {
		t.Fatalf("unexpected event: %+v", event)
	}
	obj := event.Object
	if obj.ID != "cs_1" || obj.PaymentIntentID != "pi_1" || obj.PaymentStatus != domain.CheckoutPaid {
		t.Fatalf("unexpected object: %+v", obj)
	}
	if obj.AmountMinor != 10000 || obj.CustomerID != "cus_1" || event.MetadataType() != domain.PaymentTypeReservation {
		t.Fatalf("unexpected object: %+v", obj)
	}
}

func TestStripeVerifier_RejectsBadSignature(t *testing.T) {
	verifier := NewStripeVerifier(testWebhookSecret)
	payload := []byte(checkoutPayload)

	tests := []struct {
		name      string
		signature string
	}{
		{name: "wrong secret", signature: signPayload(payload, "whsec_other", time.Now())},
		{name: "stale timestamp", signature: signPayload(payload, testWebhookSecret, time.Now().Add(-time.Hour))},
		{name: "empty header", signature: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := verifier.Parse(payload, tt.signature); !errors.Is(err, domain.ErrWebhookSignature) {
				t.Fatalf("expected ErrWebhookSignature, got %v", err)
			}
		})
	}
}

func TestInsecureVerifier_Parse(t *testing.T) {
	verifier := NewInsecureVerifier(nil)

	event, err := verifier.Parse([]byte(`{
		"id": "evt_pi_1",
		"type": "payment_intent.succeeded",
		"created": 1709287200,
		"data": {"object": {"id": "pi_1", "object": "payment_intent", "amount": 10000, "currency": "egp",
			"metadata": {"type": "reservation"}}}
	}`), "")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if event.Type != domain.PaymentEventIntentSucceeded || event.Object.PaymentIntentID != "pi_1" || event.Object.AmountMinor != 10000 {
		t.Fatalf("unexpected event: %+v", event)
	}
	if !event.Created.Equal(time.Unix(1709287200, 0).UTC()) {
		t.Fatalf("unexpected created: %s", event.Created)
	}

	if _, err := verifier.Parse([]byte(`{`), ""); !errors.Is(err, domain.ErrWebhookPayload) {
		t.Fatalf("expected ErrWebhookPayload, got %v", err)
	}
	if _, err := verifier.Parse([]byte(`{"type":"x"}`), ""); !errors.Is(err, domain.ErrWebhookPayload) {
		t.Fatalf("expected ErrWebhookPayload for missing id, got %v", err)
	}
}

func TestExpandableID(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{raw: `"pi_1"`, want: "pi_1"},
		{raw: `{"id":"pi_2","object":"payment_intent"}`, want: "pi_2"},
		{raw: `null`, want: ""},
		{raw: ``, want: ""},
		{raw: `42`, want: ""},
	}
	for _, tt := range tests {
		if got := expandableID([]byte(tt.raw)); got != tt.want {
			t.Errorf("expandableID(%s) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}
