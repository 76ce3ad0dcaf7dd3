package billing

import (
	"strings"
	"time"

	"github.com/fairwaymentors/clubhouse/app/models"
)

// EventKind is the closed set of provider event kinds the reconciliation core
// understands. Everything else maps to EventUnhandled and is acknowledged
// without touching state.
type EventKind int

const (
	EventUnhandled EventKind = iota
	EventSubscriptionCreated
	EventSubscriptionUpdated
	EventSubscriptionDeleted
)

func (k EventKind) String() string {
	switch k {
	case EventSubscriptionCreated:
		return "subscription_created"
	case EventSubscriptionUpdated:
		return "subscription_updated"
	case EventSubscriptionDeleted:
		return "subscription_deleted"
	default:
		return "unhandled"
	}
}

// Event is a verified, provider-neutral webhook event. Subscription is set
// for the subscription kinds and nil for EventUnhandled.
type Event struct {
	ID           string
	Type         string
	Kind         EventKind
	Subscription *SubscriptionData
	Raw          []byte
}

// SubscriptionData is the normalized subscription payload carried by
// created/updated/deleted events.
type SubscriptionData struct {
	ProviderSubscriptionID string
	ProviderCustomerID     string
	PriceID                string
	Status                 string
	CurrentPeriodStart     *time.Time
	CurrentPeriodEnd       *time.Time
	CancelAtPeriodEnd      bool
}

// CheckoutInput is the input for starting a hosted checkout.
type CheckoutInput struct {
	UserID        uint
	PriceID       string
	CustomerEmail string
	ReturnURL     string
}

// WebhookEventInput is the normalized input for webhook event persistence.
type WebhookEventInput struct {
	Provider        string
	ProviderEventID string
	EventType       string
	PayloadJSON     string
	SignatureValid  bool
}

// NormalizeStatus maps a raw provider subscription status into the closed
// local status set. Status values are only ever taken from received events;
// they are never computed locally from timestamps. An active subscription the
// provider has flagged for end-of-period cancellation is stored as canceling.
func NormalizeStatus(raw string, cancelAtPeriodEnd bool) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "active", "trialing":
		if cancelAtPeriodEnd {
			return models.SubscriptionStatusCanceling
		}
		return models.SubscriptionStatusActive
	case "past_due", "unpaid":
		return models.SubscriptionStatusPastDue
	case "canceled", "incomplete_expired":
		return models.SubscriptionStatusCanceled
	default:
		return models.SubscriptionStatusIncomplete
	}
}

// isEntitlingStatus reports whether a stored status still grants the tier's
// features. past_due keeps access during the provider's retry window, and
// canceling keeps access until the paid period actually ends.
func isEntitlingStatus(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case models.SubscriptionStatusActive, models.SubscriptionStatusCanceling, models.SubscriptionStatusPastDue:
		return true
	default:
		return false
	}
}
