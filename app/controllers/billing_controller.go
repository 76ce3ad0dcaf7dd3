package controllers

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/fairwaymentors/clubhouse/app/models"
	"github.com/fairwaymentors/clubhouse/internal/pkg/billing"
	"github.com/fairwaymentors/clubhouse/internal/pkg/metrics/counter"
	"github.com/fairwaymentors/clubhouse/internal/pkg/usercontext"
)

var (
	billingService *billing.Service
	webhookParser  billing.WebhookParser
)

// InitializeBillingController injects the billing service and webhook parser.
// Called once during router setup.
func InitializeBillingController(svc *billing.Service, parser billing.WebhookParser) {
	billingService = svc
	webhookParser = parser
}

type checkoutRequest struct {
	PriceID       string `json:"priceId"`
	UserID        uint   `json:"userId"`
	CustomerEmail string `json:"customerEmail"`
	ReturnURL     string `json:"returnUrl"`
}

type portalRequest struct {
	CustomerID string `json:"customerId"`
	ReturnURL  string `json:"returnUrl"`
}

type cancelRequest struct {
	SubscriptionID string `json:"subscriptionId"`
	UserID         uint   `json:"userId"`
}

// HandleCreateCheckout creates (if needed) the provider customer for the user
// and returns the hosted checkout URL for the requested price.
func HandleCreateCheckout(c *fiber.Ctx) error {
	var req checkoutRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "Malformed JSON body"})
	}
	if req.UserID == 0 || strings.TrimSpace(req.PriceID) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "userId and priceId are required"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	url, err := billingService.StartCheckout(ctx, billing.CheckoutInput{
		UserID:        req.UserID,
		PriceID:       req.PriceID,
		CustomerEmail: req.CustomerEmail,
		ReturnURL:     req.ReturnURL,
	})
	if err != nil {
		log.Printf("billing: checkout failed for user %d: %v", req.UserID, err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "checkout_failed"})
	}

	return c.JSON(fiber.Map{"url": url})
}

// HandleBillingPortal returns the URL of a hosted subscription-management
// session for a provider customer.
func HandleBillingPortal(c *fiber.Ctx) error {
	var req portalRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "Malformed JSON body"})
	}
	if strings.TrimSpace(req.CustomerID) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "customerId is required"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	url, err := billingService.OpenPortal(ctx, req.CustomerID, req.ReturnURL)
	if err != nil {
		log.Printf("billing: portal session failed for customer %s: %v", req.CustomerID, err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "portal_failed"})
	}

	return c.JSON(fiber.Map{"url": url})
}

// HandleCancelSubscription flags the subscription for end-of-period
// cancellation. The terminal canceled status arrives later via the webhook.
func HandleCancelSubscription(c *fiber.Ctx) error {
	var req cancelRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "Malformed JSON body"})
	}
	if req.UserID == 0 || strings.TrimSpace(req.SubscriptionID) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "userId and subscriptionId are required"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	err := billingService.RequestCancellation(ctx, req.UserID, req.SubscriptionID)
	switch {
	case err == nil:
		return c.JSON(fiber.Map{"ok": true, "cancel_at_period_end": true})
	case errors.Is(err, gorm.ErrRecordNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "No subscription for user"})
	case errors.Is(err, billing.ErrSubscriptionMismatch):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "Subscription does not belong to user"})
	default:
		log.Printf("billing: cancellation failed for user %d: %v", req.UserID, err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "cancellation_failed"})
	}
}

// HandleStripeWebhook is the single entry point for provider lifecycle
// events. Signature verification happens before anything is persisted; an
// invalid signature never mutates the store.
func HandleStripeWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := strings.TrimSpace(c.Get("Stripe-Signature"))

	ev, err := webhookParser.ParseWebhookEvent(rawBody, signature)
	if err != nil {
		if errors.Is(err, billing.ErrInvalidSignature) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature"})
		}
		// Signature was valid but the payload is unusable. Keep it for
		// inspection and reject the delivery.
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if _, stored, recErr := billingService.RecordWebhookEvent(ctx, billing.WebhookEventInput{
			Provider:       models.BillingProviderStripe,
			PayloadJSON:    string(rawBody),
			SignatureValid: true,
		}); recErr == nil && stored != nil {
			_ = billingService.MarkWebhookProcessed(ctx, stored.ID, err)
		}
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	created, stored, err := billingService.RecordWebhookEvent(ctx, billing.WebhookEventInput{
		Provider:        models.BillingProviderStripe,
		ProviderEventID: ev.ID,
		EventType:       ev.Type,
		PayloadJSON:     string(rawBody),
		SignatureValid:  true,
	})
	if err != nil {
		log.Printf("billing: webhook persist failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_persist_failed"})
	}
	// A redelivery is only a duplicate when the stored event was applied
	// cleanly. An event whose application failed (or never finished) is
	// replayed, since the provider stops retrying after a success response.
	if !created && !billing.NeedsReplay(stored) {
		return c.JSON(fiber.Map{"ok": true, "duplicate": true})
	}

	// Counted after the dedup decision so redeliveries of an already applied
	// event do not inflate the counter.
	if err := counter.AddWebhookReceived(ev.Type); err != nil {
		log.Printf("billing: webhook counter update failed: %v", err)
	}

	if ev.Kind == billing.EventUnhandled {
		_ = billingService.MarkWebhookProcessed(ctx, stored.ID, nil)
		return c.JSON(fiber.Map{"ok": true, "ignored": true})
	}

	applyErr := billingService.ApplyEvent(ctx, ev)
	_ = billingService.MarkWebhookProcessed(ctx, stored.ID, applyErr)
	if applyErr != nil {
		if cntErr := counter.AddWebhookFailed(ev.Type); cntErr != nil {
			log.Printf("billing: webhook counter update failed: %v", cntErr)
		}
		if errors.Is(applyErr, billing.ErrUnmappedCustomer) {
			// The event is retained with its error for manual reconciliation.
			log.Printf("billing: webhook %s references unmapped customer: %v", ev.ID, applyErr)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "unmapped_customer"})
		}
		log.Printf("billing: webhook %s apply failed: %v", ev.ID, applyErr)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "event_apply_failed"})
	}

	return c.JSON(fiber.Map{"ok": true})
}

// HandleGetSubscription returns the authenticated user's subscription record
// and entitled tier. Every read goes straight to the store.
func HandleGetSubscription(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing or invalid authentication"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tier, err := billingService.CurrentTier(ctx, userCtx.UserID)
	if err != nil {
		log.Printf("billing: tier read failed for user %d: %v", userCtx.UserID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}
	if tier == billing.TierNone {
		return c.JSON(fiber.Map{"tier": string(billing.TierNone), "subscription": nil})
	}

	sub, err := billingService.GetSubscription(ctx, userCtx.UserID)
	if err != nil {
		log.Printf("billing: subscription read failed for user %d: %v", userCtx.UserID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}

	return c.JSON(fiber.Map{
		"tier": string(tier),
		"subscription": fiber.Map{
			"provider_subscription_id": sub.ProviderSubscriptionID,
			"provider_customer_id":     sub.ProviderCustomerID,
			"status":                   sub.Status,
			"price_id":                 sub.PriceID,
			"current_period_start":     formatTimePtr(sub.CurrentPeriodStart),
			"current_period_end":       formatTimePtr(sub.CurrentPeriodEnd),
			"cancel_at_period_end":     sub.CancelAtPeriodEnd,
		},
	})
}
