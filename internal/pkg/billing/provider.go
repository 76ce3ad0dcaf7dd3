package billing

import "context"

// Customer is a payment-processor customer created for a local user.
type Customer struct {
	ID    string
	Email string
}

// CheckoutSession is a hosted checkout resource.
type CheckoutSession struct {
	ID  string
	URL string
}

// PortalSession is a hosted subscription-management resource.
type PortalSession struct {
	URL string
}

// PaymentProvider is the explicit dependency the billing service uses to talk
// to the payment processor. Handlers receive it constructed, which keeps test
// doubles trivial and avoids module-level client state.
type PaymentProvider interface {
	CreateCustomer(ctx context.Context, email string, userID uint) (*Customer, error)
	CreateCheckoutSession(ctx context.Context, customerID, priceID, returnURL string) (*CheckoutSession, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (*PortalSession, error)
	SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string) error
}

// WebhookParser verifies an inbound webhook request and converts it into the
// provider-neutral Event union.
type WebhookParser interface {
	ParseWebhookEvent(payload []byte, signatureHeader string) (*Event, error)
}
