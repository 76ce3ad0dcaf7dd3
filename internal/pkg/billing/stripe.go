package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/fairwaymentors/clubhouse/internal/pkg/env"
)

// ErrInvalidSignature is returned when an inbound webhook request does not
// carry a valid signature for the shared secret. Nothing may be persisted in
// that case.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// StripeProvider implements PaymentProvider and WebhookParser over the Stripe
// API.
type StripeProvider struct {
	api           *client.API
	webhookSecret string
}

// NewStripeProvider creates a provider with an explicitly constructed Stripe
// client.
func NewStripeProvider(secretKey, webhookSecret string) *StripeProvider {
	return &StripeProvider{
		api:           client.New(strings.TrimSpace(secretKey), nil),
		webhookSecret: strings.TrimSpace(webhookSecret),
	}
}

// NewStripeProviderFromEnv reads STRIPE_SECRET_KEY and STRIPE_WEBHOOK_SECRET.
func NewStripeProviderFromEnv() *StripeProvider {
	return NewStripeProvider(
		env.GetEnv("STRIPE_SECRET_KEY", ""),
		env.GetEnv("STRIPE_WEBHOOK_SECRET", ""),
	)
}

func (p *StripeProvider) CreateCustomer(ctx context.Context, email string, userID uint) (*Customer, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(strings.TrimSpace(email)),
		Metadata: map[string]string{
			"user_id": strconv.FormatUint(uint64(userID), 10),
		},
	}
	params.Context = ctx

	cust, err := p.api.Customers.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe customer create failed: %w", err)
	}
	return &Customer{ID: cust.ID, Email: cust.Email}, nil
}

func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, customerID, priceID, returnURL string) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:   stripe.String(customerID),
		SuccessURL: stripe.String(returnURL + "?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:  stripe.String(returnURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
	}
	params.Context = ctx

	sess, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe checkout session create failed: %w", err)
	}
	return &CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

func (p *StripeProvider) CreatePortalSession(ctx context.Context, customerID, returnURL string) (*PortalSession, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx

	sess, err := p.api.BillingPortalSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe portal session create failed: %w", err)
	}
	return &PortalSession{URL: sess.URL}, nil
}

func (p *StripeProvider) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string) error {
	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	}
	params.Context = ctx

	if _, err := p.api.Subscriptions.Update(subscriptionID, params); err != nil {
		return fmt.Errorf("stripe subscription update failed: %w", err)
	}
	return nil
}

// ParseWebhookEvent verifies the signature header against the shared secret
// and converts the Stripe event into the tagged Event union. Verification
// failure returns ErrInvalidSignature before any payload field is trusted.
func (p *StripeProvider) ParseWebhookEvent(payload []byte, signatureHeader string) (*Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signatureHeader, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := &Event{
		ID:   ev.ID,
		Type: string(ev.Type),
		Kind: eventKindFromType(string(ev.Type)),
		Raw:  append([]byte(nil), payload...),
	}
	if out.Kind == EventUnhandled {
		return out, nil
	}

	var sub stripe.Subscription
	if err := json.Unmarshal(ev.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("stripe subscription event payload: %w", err)
	}
	if sub.Customer == nil || sub.Customer.ID == "" {
		return nil, errors.New("stripe subscription event missing customer")
	}

	data := &SubscriptionData{
		ProviderSubscriptionID: sub.ID,
		ProviderCustomerID:     sub.Customer.ID,
		Status:                 string(sub.Status),
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		data.PriceID = sub.Items.Data[0].Price.ID
	}
	if sub.CurrentPeriodStart > 0 {
		t := time.Unix(sub.CurrentPeriodStart, 0).UTC()
		data.CurrentPeriodStart = &t
	}
	if sub.CurrentPeriodEnd > 0 {
		t := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		data.CurrentPeriodEnd = &t
	}

	out.Subscription = data
	return out, nil
}

func eventKindFromType(eventType string) EventKind {
	switch eventType {
	case "customer.subscription.created":
		return EventSubscriptionCreated
	case "customer.subscription.updated":
		return EventSubscriptionUpdated
	case "customer.subscription.deleted":
		return EventSubscriptionDeleted
	default:
		return EventUnhandled
	}
}
