package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/fairwaymentors/clubhouse/app/models"
	"gorm.io/gorm"
)

// ErrUnmappedCustomer is returned when a webhook event references a provider
// customer no local user is linked to. The event is a hard failure, not a
// silent skip; the caller records it with this error for later reconciliation.
var ErrUnmappedCustomer = errors.New("no local user mapping for provider customer")

// ErrSubscriptionMismatch is returned when a cancellation request names a
// subscription that does not belong to the requesting user.
var ErrSubscriptionMismatch = errors.New("subscription does not belong to user")

// Service reconciles provider subscription state into local tables and starts
// hosted checkout/portal flows. Both collaborators are injected.
type Service struct {
	repo     Repository
	provider PaymentProvider
	dispatch map[EventKind]func(ctx context.Context, ev *Event) error
}

// NewService creates a billing service from an injected repository and
// payment provider.
func NewService(repo Repository, provider PaymentProvider) *Service {
	s := &Service{repo: repo, provider: provider}
	s.dispatch = map[EventKind]func(ctx context.Context, ev *Event) error{
		EventSubscriptionCreated: s.applySubscriptionUpsert,
		EventSubscriptionUpdated: s.applySubscriptionUpsert,
		EventSubscriptionDeleted: s.applySubscriptionDeleted,
	}
	return s
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, provider PaymentProvider) *Service {
	return NewService(NewRepository(db), provider)
}

// StartCheckout ensures the user has a provider customer identity and returns
// the URL of a hosted checkout session for the requested price.
//
// A mapping persistence failure after the external customer was already
// created is logged and does not block the checkout URL; the next webhook or
// checkout attempt re-links the customer.
func (s *Service) StartCheckout(ctx context.Context, in CheckoutInput) (string, error) {
	if in.UserID == 0 || strings.TrimSpace(in.PriceID) == "" {
		return "", errors.New("user_id and price_id are required")
	}

	customerID, err := s.getOrCreateCustomer(ctx, in)
	if err != nil {
		return "", err
	}

	sess, err := s.provider.CreateCheckoutSession(ctx, customerID, strings.TrimSpace(in.PriceID), in.ReturnURL)
	if err != nil {
		return "", err
	}
	return sess.URL, nil
}

func (s *Service) getOrCreateCustomer(ctx context.Context, in CheckoutInput) (string, error) {
	mapping, err := s.repo.GetMappingByUser(in.UserID)
	if err == nil {
		return mapping.ProviderCustomerID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}

	cust, err := s.provider.CreateCustomer(ctx, in.CustomerEmail, in.UserID)
	if err != nil {
		return "", err
	}

	m := &models.CustomerMapping{
		UserID:             in.UserID,
		Provider:           models.BillingProviderStripe,
		ProviderCustomerID: cust.ID,
		Email:              strings.TrimSpace(in.CustomerEmail),
	}
	if err := s.repo.CreateMapping(m); err != nil {
		log.Printf("billing: customer mapping persist failed for user %d (customer %s): %v", in.UserID, cust.ID, err)
		return cust.ID, nil
	}
	if m.ProviderCustomerID != cust.ID {
		// A concurrent checkout won the insert; the customer we just created
		// is orphaned upstream and the stored identity is used instead.
		log.Printf("billing: concurrent mapping creation for user %d, keeping %s, orphaned %s", in.UserID, m.ProviderCustomerID, cust.ID)
	}
	return m.ProviderCustomerID, nil
}

// ApplyEvent routes a verified event through the dispatch table. Kinds outside
// the table are acknowledged without any state change.
func (s *Service) ApplyEvent(ctx context.Context, ev *Event) error {
	if ev == nil {
		return errors.New("event is required")
	}
	handler, ok := s.dispatch[ev.Kind]
	if !ok {
		return nil
	}
	return handler(ctx, ev)
}

func (s *Service) applySubscriptionUpsert(ctx context.Context, ev *Event) error {
	_ = ctx
	data := ev.Subscription
	if data == nil {
		return fmt.Errorf("event %s carries no subscription data", ev.Type)
	}

	mapping, err := s.repo.GetMappingByCustomerID(models.BillingProviderStripe, data.ProviderCustomerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrUnmappedCustomer, data.ProviderCustomerID)
		}
		return err
	}

	sub := &models.Subscription{
		UserID:                 mapping.UserID,
		Provider:               models.BillingProviderStripe,
		ProviderCustomerID:     data.ProviderCustomerID,
		ProviderSubscriptionID: data.ProviderSubscriptionID,
		PriceID:                data.PriceID,
		Tier:                   string(TierFromPrice(data.PriceID)),
		Status:                 NormalizeStatus(data.Status, data.CancelAtPeriodEnd),
		CurrentPeriodStart:     data.CurrentPeriodStart,
		CurrentPeriodEnd:       data.CurrentPeriodEnd,
		CancelAtPeriodEnd:      data.CancelAtPeriodEnd,
		RawPayloadJSON:         string(ev.Raw),
	}
	return s.repo.UpsertSubscriptionByUser(sub)
}

func (s *Service) applySubscriptionDeleted(ctx context.Context, ev *Event) error {
	_ = ctx
	data := ev.Subscription
	if data == nil {
		return fmt.Errorf("event %s carries no subscription data", ev.Type)
	}

	mapping, err := s.repo.GetMappingByCustomerID(models.BillingProviderStripe, data.ProviderCustomerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrUnmappedCustomer, data.ProviderCustomerID)
		}
		return err
	}
	return s.repo.MarkCanceledByUser(mapping.UserID)
}

// RequestCancellation flags the subscription for end-of-period cancellation
// upstream and mirrors the flag locally. Status is left untouched; the
// terminal canceled status arrives later through the webhook path, so there
// is a single source of truth for terminal state.
func (s *Service) RequestCancellation(ctx context.Context, userID uint, subscriptionID string) error {
	if userID == 0 || strings.TrimSpace(subscriptionID) == "" {
		return errors.New("user_id and subscription_id are required")
	}

	sub, err := s.repo.GetSubscriptionByUser(userID)
	if err != nil {
		return err
	}
	if sub.ProviderSubscriptionID != strings.TrimSpace(subscriptionID) {
		return ErrSubscriptionMismatch
	}

	if err := s.provider.SetCancelAtPeriodEnd(ctx, sub.ProviderSubscriptionID); err != nil {
		return err
	}
	return s.repo.SetCancelAtPeriodEnd(userID, true)
}

// OpenPortal returns the URL of a hosted subscription-management session.
func (s *Service) OpenPortal(ctx context.Context, customerID, returnURL string) (string, error) {
	if strings.TrimSpace(customerID) == "" {
		return "", errors.New("customer_id is required")
	}
	sess, err := s.provider.CreatePortalSession(ctx, strings.TrimSpace(customerID), returnURL)
	if err != nil {
		return "", err
	}
	return sess.URL, nil
}

// CurrentTier returns the stored tier for a user, or TierNone when no
// subscription record exists. Every call is a direct read; freshness of
// webhook-applied state is preferred over read latency.
func (s *Service) CurrentTier(ctx context.Context, userID uint) (Tier, error) {
	_ = ctx
	sub, err := s.repo.GetSubscriptionByUser(userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return TierNone, nil
		}
		return TierNone, err
	}
	return normalizeTier(sub.Tier), nil
}

// EntitledTier is the tier feature gates should use: the stored tier while
// the subscription status still grants access, TierFree otherwise.
func (s *Service) EntitledTier(ctx context.Context, userID uint) (Tier, error) {
	sub, err := s.repo.GetSubscriptionByUser(userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return TierFree, nil
		}
		return TierFree, err
	}
	if !isEntitlingStatus(sub.Status) {
		return TierFree, nil
	}
	return normalizeTier(sub.Tier), nil
}

// GetSubscription returns the stored subscription record for a user.
func (s *Service) GetSubscription(ctx context.Context, userID uint) (*models.Subscription, error) {
	_ = ctx
	return s.repo.GetSubscriptionByUser(userID)
}

// RecordWebhookEvent persists webhook payloads idempotently.
func (s *Service) RecordWebhookEvent(ctx context.Context, in WebhookEventInput) (bool, *models.WebhookEvent, error) {
	_ = ctx
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if provider == "" {
		return false, nil, errors.New("provider is required")
	}
	eventID := strings.TrimSpace(in.ProviderEventID)
	if eventID == "" {
		sum := sha256.Sum256([]byte(in.PayloadJSON))
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	event := &models.WebhookEvent{
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       strings.TrimSpace(in.EventType),
		PayloadJSON:     in.PayloadJSON,
		SignatureValid:  in.SignatureValid,
	}
	return s.repo.CreateWebhookEventIfNotExists(event)
}

// NeedsReplay reports whether a redelivered event still has to be applied.
// A stored row that never finished processing, or that finished with an
// error, must be re-applied on redelivery; acknowledging it as a duplicate
// would lose the state change for good since the provider stops retrying
// after a success response.
func NeedsReplay(stored *models.WebhookEvent) bool {
	if stored == nil {
		return false
	}
	return stored.ProcessedAt == nil || stored.ProcessingError != ""
}

// MarkWebhookProcessed marks an event as processed and stores an optional error.
func (s *Service) MarkWebhookProcessed(ctx context.Context, webhookEventID uint, processingErr error) error {
	_ = ctx
	if webhookEventID == 0 {
		return errors.New("webhook_event_id is required")
	}
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	return s.repo.MarkWebhookProcessed(webhookEventID, errMsg)
}
