package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"
)

const testWebhookSecret = "whsec_test_secret"

// signPayload builds a Stripe-Signature header for a payload the same way the
// provider does: HMAC-SHA256 over "<timestamp>.<payload>".
func signPayload(payload []byte, secret string, ts time.Time) string {
	signed := fmt.Sprintf("%d.%s", ts.Unix(), payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signed))
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func subscriptionEventPayload(eventType string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": "evt_stripe_1",
		"type": %q,
		"data": {
			"object": {
				"id": "sub_stripe_1",
				"object": "subscription",
				"customer": "cus_stripe_1",
				"status": "active",
				"cancel_at_period_end": true,
				"current_period_start": 1748736000,
				"current_period_end": 1751328000,
				"items": {
					"object": "list",
					"data": [
						{ "id": "si_1", "price": { "id": "price_pro_monthly" } }
					]
				}
			}
		}
	}`, eventType))
}

func TestParseWebhookEventRejectsInvalidSignature(t *testing.T) {
	p := NewStripeProvider("sk_test_123", testWebhookSecret)
	payload := subscriptionEventPayload("customer.subscription.updated")

	_, err := p.ParseWebhookEvent(payload, "t=12345,v1=deadbeef")
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	// A valid header for a different secret must also be rejected.
	wrong := signPayload(payload, "whsec_other", time.Now())
	if _, err := p.ParseWebhookEvent(payload, wrong); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for wrong secret, got %v", err)
	}

	// Tampering with the payload after signing must be rejected.
	header := signPayload(payload, testWebhookSecret, time.Now())
	tampered := append(append([]byte(nil), payload...), ' ')
	if _, err := p.ParseWebhookEvent(tampered, header); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for tampered payload, got %v", err)
	}
}

func TestParseWebhookEventSubscription(t *testing.T) {
	p := NewStripeProvider("sk_test_123", testWebhookSecret)
	payload := subscriptionEventPayload("customer.subscription.created")
	header := signPayload(payload, testWebhookSecret, time.Now())

	ev, err := p.ParseWebhookEvent(payload, header)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if ev.ID != "evt_stripe_1" {
		t.Fatalf("unexpected event id %q", ev.ID)
	}
	if ev.Kind != EventSubscriptionCreated {
		t.Fatalf("unexpected kind %v", ev.Kind)
	}
	if ev.Subscription == nil {
		t.Fatalf("expected subscription data")
	}

	data := ev.Subscription
	if data.ProviderSubscriptionID != "sub_stripe_1" || data.ProviderCustomerID != "cus_stripe_1" {
		t.Fatalf("unexpected ids: %+v", data)
	}
	if data.PriceID != "price_pro_monthly" {
		t.Fatalf("unexpected price %q", data.PriceID)
	}
	if data.Status != "active" || !data.CancelAtPeriodEnd {
		t.Fatalf("unexpected status fields: %+v", data)
	}
	if data.CurrentPeriodStart == nil || data.CurrentPeriodEnd == nil {
		t.Fatalf("expected period timestamps")
	}
	if !data.CurrentPeriodEnd.After(*data.CurrentPeriodStart) {
		t.Fatalf("period end must be after start")
	}
}

func TestParseWebhookEventUnhandledType(t *testing.T) {
	p := NewStripeProvider("sk_test_123", testWebhookSecret)
	payload := []byte(`{"id": "evt_stripe_2", "type": "invoice.paid", "data": {"object": {"id": "in_1"}}}`)
	header := signPayload(payload, testWebhookSecret, time.Now())

	ev, err := p.ParseWebhookEvent(payload, header)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if ev.Kind != EventUnhandled {
		t.Fatalf("expected unhandled kind, got %v", ev.Kind)
	}
	if ev.Subscription != nil {
		t.Fatalf("unhandled events must not carry subscription data")
	}
}

func TestEventKindFromType(t *testing.T) {
	tests := []struct {
		in   string
		want EventKind
	}{
		{in: "customer.subscription.created", want: EventSubscriptionCreated},
		{in: "customer.subscription.updated", want: EventSubscriptionUpdated},
		{in: "customer.subscription.deleted", want: EventSubscriptionDeleted},
		{in: "checkout.session.completed", want: EventUnhandled},
		{in: "", want: EventUnhandled},
	}

	for _, tt := range tests {
		if got := eventKindFromType(tt.in); got != tt.want {
			t.Fatalf("eventKindFromType(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
