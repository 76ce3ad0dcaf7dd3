package billing

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/fairwaymentors/clubhouse/app/models"
)

// fakeRepository keeps all billing state in maps so service behavior can be
// exercised without a database.
type fakeRepository struct {
	mappingsByUser     map[uint]*models.CustomerMapping
	mappingsByCustomer map[string]*models.CustomerMapping
	subsByUser         map[uint]*models.Subscription
	webhookEvents      map[string]*models.WebhookEvent
	nextID             uint

	failCreateMapping bool
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		mappingsByUser:     map[uint]*models.CustomerMapping{},
		mappingsByCustomer: map[string]*models.CustomerMapping{},
		subsByUser:         map[uint]*models.Subscription{},
		webhookEvents:      map[string]*models.WebhookEvent{},
	}
}

func (f *fakeRepository) GetMappingByUser(userID uint) (*models.CustomerMapping, error) {
	m, ok := f.mappingsByUser[userID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return m, nil
}

func (f *fakeRepository) GetMappingByCustomerID(provider, providerCustomerID string) (*models.CustomerMapping, error) {
	m, ok := f.mappingsByCustomer[provider+"/"+providerCustomerID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return m, nil
}

func (f *fakeRepository) CreateMapping(m *models.CustomerMapping) error {
	if f.failCreateMapping {
		return errors.New("insert failed")
	}
	if existing, ok := f.mappingsByUser[m.UserID]; ok {
		// Mirror the on-conflict re-read: the caller's struct is replaced by
		// the winning row.
		*m = *existing
		return nil
	}
	f.nextID++
	m.ID = f.nextID
	stored := *m
	f.mappingsByUser[m.UserID] = &stored
	f.mappingsByCustomer[m.Provider+"/"+m.ProviderCustomerID] = &stored
	return nil
}

func (f *fakeRepository) UpsertSubscriptionByUser(sub *models.Subscription) error {
	if existing, ok := f.subsByUser[sub.UserID]; ok {
		sub.ID = existing.ID
		sub.CreatedAt = existing.CreatedAt
	} else {
		f.nextID++
		sub.ID = f.nextID
	}
	stored := *sub
	f.subsByUser[sub.UserID] = &stored
	return nil
}

func (f *fakeRepository) GetSubscriptionByUser(userID uint) (*models.Subscription, error) {
	sub, ok := f.subsByUser[userID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *sub
	return &copied, nil
}

func (f *fakeRepository) SetCancelAtPeriodEnd(userID uint, flag bool) error {
	sub, ok := f.subsByUser[userID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	sub.CancelAtPeriodEnd = flag
	return nil
}

func (f *fakeRepository) MarkCanceledByUser(userID uint) error {
	sub, ok := f.subsByUser[userID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	sub.Status = models.SubscriptionStatusCanceled
	return nil
}

func (f *fakeRepository) CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	key := event.Provider + "/" + event.ProviderEventID
	if existing, ok := f.webhookEvents[key]; ok {
		return false, existing, nil
	}
	f.nextID++
	event.ID = f.nextID
	stored := *event
	f.webhookEvents[key] = &stored
	return true, &stored, nil
}

func (f *fakeRepository) MarkWebhookProcessed(id uint, processingError string) error {
	for _, ev := range f.webhookEvents {
		if ev.ID == id {
			now := time.Now()
			ev.ProcessedAt = &now
			ev.ProcessingError = processingError
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

// fakeProvider counts outbound calls and hands back deterministic resources.
type fakeProvider struct {
	customersCreated int
	cancelCalls      []string
	failCustomer     bool
}

func (f *fakeProvider) CreateCustomer(ctx context.Context, email string, userID uint) (*Customer, error) {
	if f.failCustomer {
		return nil, errors.New("provider down")
	}
	f.customersCreated++
	return &Customer{ID: fmt.Sprintf("cus_fake_%d", f.customersCreated), Email: email}, nil
}

func (f *fakeProvider) CreateCheckoutSession(ctx context.Context, customerID, priceID, returnURL string) (*CheckoutSession, error) {
	return &CheckoutSession{
		ID:  "cs_fake_1",
		URL: "https://checkout.example.com/" + customerID + "/" + priceID,
	}, nil
}

func (f *fakeProvider) CreatePortalSession(ctx context.Context, customerID, returnURL string) (*PortalSession, error) {
	return &PortalSession{URL: "https://portal.example.com/" + customerID}, nil
}

func (f *fakeProvider) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string) error {
	f.cancelCalls = append(f.cancelCalls, subscriptionID)
	return nil
}

func newTestService() (*Service, *fakeRepository, *fakeProvider) {
	repo := newFakeRepository()
	provider := &fakeProvider{}
	return NewService(repo, provider), repo, provider
}

func subscriptionEvent(id, eventType, customerID, priceID, status string, cancelAtPeriodEnd bool) *Event {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	return &Event{
		ID:   id,
		Type: eventType,
		Kind: eventKindFromType(eventType),
		Subscription: &SubscriptionData{
			ProviderSubscriptionID: "sub_test_1",
			ProviderCustomerID:     customerID,
			PriceID:                priceID,
			Status:                 status,
			CurrentPeriodStart:     &start,
			CurrentPeriodEnd:       &end,
			CancelAtPeriodEnd:      cancelAtPeriodEnd,
		},
		Raw: []byte(`{"id":"` + id + `"}`),
	}
}

func TestStartCheckoutCreatesCustomerOnce(t *testing.T) {
	svc, repo, provider := newTestService()
	ctx := context.Background()

	in := CheckoutInput{UserID: 7, PriceID: "price_pro_monthly", CustomerEmail: "pat@example.com", ReturnURL: "https://app.example.com/billing"}

	url, err := svc.StartCheckout(ctx, in)
	if err != nil {
		t.Fatalf("unexpected checkout error: %v", err)
	}
	if url == "" {
		t.Fatalf("expected a checkout URL")
	}
	if provider.customersCreated != 1 {
		t.Fatalf("expected 1 customer created, got %d", provider.customersCreated)
	}

	mapping, err := repo.GetMappingByUser(7)
	if err != nil {
		t.Fatalf("expected mapping to be persisted: %v", err)
	}
	if mapping.ProviderCustomerID != "cus_fake_1" {
		t.Fatalf("unexpected customer id %q", mapping.ProviderCustomerID)
	}

	// Second checkout reuses the stored identity.
	if _, err := svc.StartCheckout(ctx, in); err != nil {
		t.Fatalf("unexpected second checkout error: %v", err)
	}
	if provider.customersCreated != 1 {
		t.Fatalf("expected customer to be reused, got %d creates", provider.customersCreated)
	}
}

func TestStartCheckoutValidatesInput(t *testing.T) {
	svc, _, _ := newTestService()
	if _, err := svc.StartCheckout(context.Background(), CheckoutInput{UserID: 0, PriceID: "price_pro_monthly"}); err == nil {
		t.Fatalf("expected error for missing user id")
	}
	if _, err := svc.StartCheckout(context.Background(), CheckoutInput{UserID: 1, PriceID: "  "}); err == nil {
		t.Fatalf("expected error for missing price id")
	}
}

func TestStartCheckoutSurvivesMappingPersistFailure(t *testing.T) {
	svc, repo, provider := newTestService()
	repo.failCreateMapping = true

	url, err := svc.StartCheckout(context.Background(), CheckoutInput{UserID: 3, PriceID: "price_starter_monthly"})
	if err != nil {
		t.Fatalf("checkout must not fail when only the mapping insert fails: %v", err)
	}
	if url == "" {
		t.Fatalf("expected a checkout URL")
	}
	if provider.customersCreated != 1 {
		t.Fatalf("expected the upstream customer to exist, got %d creates", provider.customersCreated)
	}
}

func TestApplyEventCreatesSubscription(t *testing.T) {
	svc, repo, _ := newTestService()
	repo.mappingsByCustomer["stripe/cus_1"] = &models.CustomerMapping{ID: 1, UserID: 42, Provider: "stripe", ProviderCustomerID: "cus_1"}

	ev := subscriptionEvent("evt_1", "customer.subscription.created", "cus_1", "price_pro_monthly", "active", false)
	if err := svc.ApplyEvent(context.Background(), ev); err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}

	sub, err := repo.GetSubscriptionByUser(42)
	if err != nil {
		t.Fatalf("expected subscription row: %v", err)
	}
	if sub.Tier != string(TierPro) {
		t.Fatalf("expected pro tier, got %q", sub.Tier)
	}
	if sub.Status != models.SubscriptionStatusActive {
		t.Fatalf("expected active status, got %q", sub.Status)
	}
	if sub.CurrentPeriodEnd == nil {
		t.Fatalf("expected period end to be stored")
	}
}

func TestApplyEventIsIdempotent(t *testing.T) {
	svc, repo, _ := newTestService()
	repo.mappingsByCustomer["stripe/cus_1"] = &models.CustomerMapping{ID: 1, UserID: 42, Provider: "stripe", ProviderCustomerID: "cus_1"}

	ev := subscriptionEvent("evt_1", "customer.subscription.created", "cus_1", "price_pro_monthly", "active", false)
	if err := svc.ApplyEvent(context.Background(), ev); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	first, _ := repo.GetSubscriptionByUser(42)

	if err := svc.ApplyEvent(context.Background(), ev); err != nil {
		t.Fatalf("second apply: %v", err)
	}
	second, _ := repo.GetSubscriptionByUser(42)

	if first.ID != second.ID || first.Tier != second.Tier || first.Status != second.Status || first.CancelAtPeriodEnd != second.CancelAtPeriodEnd {
		t.Fatalf("re-applying the same event changed state: %+v vs %+v", first, second)
	}
	if len(repo.subsByUser) != 1 {
		t.Fatalf("expected exactly one subscription row, got %d", len(repo.subsByUser))
	}
}

func TestApplyEventLifecycleSequence(t *testing.T) {
	svc, repo, _ := newTestService()
	repo.mappingsByCustomer["stripe/cus_9"] = &models.CustomerMapping{ID: 1, UserID: 9, Provider: "stripe", ProviderCustomerID: "cus_9"}
	ctx := context.Background()

	if err := svc.ApplyEvent(ctx, subscriptionEvent("evt_1", "customer.subscription.created", "cus_9", "price_pro_monthly", "active", false)); err != nil {
		t.Fatalf("created: %v", err)
	}
	sub, _ := repo.GetSubscriptionByUser(9)
	if sub.Status != models.SubscriptionStatusActive || sub.CancelAtPeriodEnd {
		t.Fatalf("after created: %+v", sub)
	}

	// The user schedules a cancellation; the update event reports the flag.
	if err := svc.ApplyEvent(ctx, subscriptionEvent("evt_2", "customer.subscription.updated", "cus_9", "price_pro_monthly", "active", true)); err != nil {
		t.Fatalf("updated: %v", err)
	}
	sub, _ = repo.GetSubscriptionByUser(9)
	if sub.Status != models.SubscriptionStatusCanceling || !sub.CancelAtPeriodEnd {
		t.Fatalf("after updated: %+v", sub)
	}

	// The period ends and the provider deletes the subscription.
	if err := svc.ApplyEvent(ctx, subscriptionEvent("evt_3", "customer.subscription.deleted", "cus_9", "price_pro_monthly", "canceled", true)); err != nil {
		t.Fatalf("deleted: %v", err)
	}
	sub, _ = repo.GetSubscriptionByUser(9)
	if sub.Status != models.SubscriptionStatusCanceled {
		t.Fatalf("after deleted: %+v", sub)
	}
	// Tier and period fields remain as a historical record.
	if sub.Tier != string(TierPro) || sub.CurrentPeriodEnd == nil {
		t.Fatalf("deleted must not wipe tier or period: %+v", sub)
	}
}

func TestApplyEventUnknownPriceStoresUnknownTier(t *testing.T) {
	svc, repo, _ := newTestService()
	repo.mappingsByCustomer["stripe/cus_1"] = &models.CustomerMapping{ID: 1, UserID: 4, Provider: "stripe", ProviderCustomerID: "cus_1"}

	ev := subscriptionEvent("evt_1", "customer.subscription.created", "cus_1", "price_not_in_map", "active", false)
	if err := svc.ApplyEvent(context.Background(), ev); err != nil {
		t.Fatalf("unknown price must not fail: %v", err)
	}
	sub, _ := repo.GetSubscriptionByUser(4)
	if sub.Tier != string(TierUnknown) {
		t.Fatalf("expected unknown tier, got %q", sub.Tier)
	}
}

func TestApplyEventUnmappedCustomer(t *testing.T) {
	svc, repo, _ := newTestService()

	ev := subscriptionEvent("evt_1", "customer.subscription.created", "cus_nobody", "price_pro_monthly", "active", false)
	err := svc.ApplyEvent(context.Background(), ev)
	if !errors.Is(err, ErrUnmappedCustomer) {
		t.Fatalf("expected ErrUnmappedCustomer, got %v", err)
	}
	if len(repo.subsByUser) != 0 {
		t.Fatalf("unmapped event must not create subscription rows")
	}
}

func TestApplyEventUnhandledKindIsNoOp(t *testing.T) {
	svc, repo, _ := newTestService()

	ev := &Event{ID: "evt_1", Type: "invoice.paid", Kind: EventUnhandled, Raw: []byte(`{}`)}
	if err := svc.ApplyEvent(context.Background(), ev); err != nil {
		t.Fatalf("unhandled kind must be acknowledged: %v", err)
	}
	if len(repo.subsByUser) != 0 || len(repo.mappingsByUser) != 0 {
		t.Fatalf("unhandled kind must not touch state")
	}
}

func TestRequestCancellation(t *testing.T) {
	svc, repo, provider := newTestService()
	ctx := context.Background()

	// No subscription at all.
	if err := svc.RequestCancellation(ctx, 5, "sub_test_1"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	repo.subsByUser[5] = &models.Subscription{
		ID: 1, UserID: 5, ProviderSubscriptionID: "sub_test_1",
		Status: models.SubscriptionStatusActive, Tier: string(TierPro),
	}

	// Wrong subscription id.
	if err := svc.RequestCancellation(ctx, 5, "sub_other"); !errors.Is(err, ErrSubscriptionMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if len(provider.cancelCalls) != 0 {
		t.Fatalf("mismatch must not reach the provider")
	}

	if err := svc.RequestCancellation(ctx, 5, "sub_test_1"); err != nil {
		t.Fatalf("unexpected cancellation error: %v", err)
	}
	if len(provider.cancelCalls) != 1 || provider.cancelCalls[0] != "sub_test_1" {
		t.Fatalf("expected provider cancel call, got %v", provider.cancelCalls)
	}

	sub, _ := repo.GetSubscriptionByUser(5)
	if !sub.CancelAtPeriodEnd {
		t.Fatalf("expected cancel flag to be set")
	}
	// Status stays active until the webhook reports otherwise.
	if sub.Status != models.SubscriptionStatusActive {
		t.Fatalf("cancellation intent must not change status, got %q", sub.Status)
	}
}

func TestCurrentTierAndEntitledTier(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()

	tier, err := svc.CurrentTier(ctx, 1)
	if err != nil || tier != TierNone {
		t.Fatalf("no record: tier=%q err=%v", tier, err)
	}
	tier, err = svc.EntitledTier(ctx, 1)
	if err != nil || tier != TierFree {
		t.Fatalf("no record entitlement: tier=%q err=%v", tier, err)
	}

	repo.subsByUser[1] = &models.Subscription{UserID: 1, Tier: string(TierElite), Status: models.SubscriptionStatusPastDue}
	tier, _ = svc.EntitledTier(ctx, 1)
	if tier != TierElite {
		t.Fatalf("past_due should keep access during retries, got %q", tier)
	}

	repo.subsByUser[1].Status = models.SubscriptionStatusCanceled
	tier, _ = svc.EntitledTier(ctx, 1)
	if tier != TierFree {
		t.Fatalf("canceled must fall back to free, got %q", tier)
	}
	// The stored tier is still reported as-is.
	tier, _ = svc.CurrentTier(ctx, 1)
	if tier != TierElite {
		t.Fatalf("stored tier must survive cancellation, got %q", tier)
	}
}

func TestRecordWebhookEventDeduplicates(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	in := WebhookEventInput{
		Provider:        "stripe",
		ProviderEventID: "evt_dup",
		EventType:       "customer.subscription.updated",
		PayloadJSON:     `{"id":"evt_dup"}`,
		SignatureValid:  true,
	}

	created, stored, err := svc.RecordWebhookEvent(ctx, in)
	if err != nil || !created || stored == nil {
		t.Fatalf("first record: created=%v stored=%v err=%v", created, stored, err)
	}

	created, again, err := svc.RecordWebhookEvent(ctx, in)
	if err != nil {
		t.Fatalf("second record: %v", err)
	}
	if created {
		t.Fatalf("duplicate event must not be created twice")
	}
	if again.ID != stored.ID {
		t.Fatalf("duplicate must resolve to the stored row")
	}
}

func TestRecordWebhookEventHashFallbackID(t *testing.T) {
	svc, _, _ := newTestService()

	created, stored, err := svc.RecordWebhookEvent(context.Background(), WebhookEventInput{
		Provider:       "stripe",
		PayloadJSON:    `{"unparseable`,
		SignatureValid: true,
	})
	if err != nil || !created {
		t.Fatalf("record: created=%v err=%v", created, err)
	}
	if stored.ProviderEventID == "" {
		t.Fatalf("expected a derived event id for payloads without one")
	}

	// Same payload resolves to the same derived id.
	created, _, err = svc.RecordWebhookEvent(context.Background(), WebhookEventInput{
		Provider:       "stripe",
		PayloadJSON:    `{"unparseable`,
		SignatureValid: true,
	})
	if err != nil || created {
		t.Fatalf("expected dedup on derived id: created=%v err=%v", created, err)
	}
}

func TestNeedsReplay(t *testing.T) {
	now := time.Now()

	if NeedsReplay(nil) {
		t.Fatalf("nil row must not request replay")
	}
	if NeedsReplay(&models.WebhookEvent{ProcessedAt: &now, ProcessingError: ""}) {
		t.Fatalf("cleanly applied event must not request replay")
	}
	if !NeedsReplay(&models.WebhookEvent{ProcessedAt: nil}) {
		t.Fatalf("unfinished event must request replay")
	}
	if !NeedsReplay(&models.WebhookEvent{ProcessedAt: &now, ProcessingError: "no local user mapping"}) {
		t.Fatalf("failed event must request replay")
	}
}

func TestRedeliveryAfterFailureIsReapplied(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()
	ev := subscriptionEvent("evt_retry", "customer.subscription.created", "cus_late", "price_pro_monthly", "active", false)

	record := func() (bool, *models.WebhookEvent) {
		created, stored, err := svc.RecordWebhookEvent(ctx, WebhookEventInput{
			Provider:        "stripe",
			ProviderEventID: ev.ID,
			EventType:       ev.Type,
			PayloadJSON:     string(ev.Raw),
			SignatureValid:  true,
		})
		if err != nil {
			t.Fatalf("record: %v", err)
		}
		return created, stored
	}

	// First delivery: the customer has no local mapping yet, application
	// fails and the error is retained on the stored row.
	created, stored := record()
	if !created {
		t.Fatalf("first delivery must create the event row")
	}
	applyErr := svc.ApplyEvent(ctx, ev)
	if !errors.Is(applyErr, ErrUnmappedCustomer) {
		t.Fatalf("expected unmapped failure, got %v", applyErr)
	}
	if err := svc.MarkWebhookProcessed(ctx, stored.ID, applyErr); err != nil {
		t.Fatalf("mark: %v", err)
	}

	// Redelivery: deduplicated, but the stored failure demands a replay.
	created, stored = record()
	if created {
		t.Fatalf("redelivery must hit the dedup key")
	}
	if !NeedsReplay(stored) {
		t.Fatalf("failed delivery must not be acknowledged as duplicate")
	}

	// The mapping exists now; the replay succeeds and clears the error.
	repo.mappingsByCustomer["stripe/cus_late"] = &models.CustomerMapping{ID: 1, UserID: 8, Provider: "stripe", ProviderCustomerID: "cus_late"}
	if err := svc.ApplyEvent(ctx, ev); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if err := svc.MarkWebhookProcessed(ctx, stored.ID, nil); err != nil {
		t.Fatalf("mark replay: %v", err)
	}
	if sub, err := repo.GetSubscriptionByUser(8); err != nil || sub.Tier != string(TierPro) {
		t.Fatalf("replay must write the subscription: sub=%+v err=%v", sub, err)
	}

	// A third delivery is now a clean duplicate.
	created, stored = record()
	if created || NeedsReplay(stored) {
		t.Fatalf("applied event must be acknowledged as duplicate: created=%v replay=%v", created, NeedsReplay(stored))
	}
}

func TestMarkWebhookProcessedStoresError(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()

	_, stored, err := svc.RecordWebhookEvent(ctx, WebhookEventInput{
		Provider:        "stripe",
		ProviderEventID: "evt_err",
		EventType:       "customer.subscription.created",
		PayloadJSON:     `{}`,
		SignatureValid:  true,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	applyErr := fmt.Errorf("%w: cus_ghost", ErrUnmappedCustomer)
	if err := svc.MarkWebhookProcessed(ctx, stored.ID, applyErr); err != nil {
		t.Fatalf("mark: %v", err)
	}

	ev := repo.webhookEvents["stripe/evt_err"]
	if ev.ProcessedAt == nil {
		t.Fatalf("expected processed timestamp")
	}
	if ev.ProcessingError == "" {
		t.Fatalf("expected the processing error to be retained")
	}
}
