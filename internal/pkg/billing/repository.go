package billing

import (
	"time"

	"github.com/fairwaymentors/clubhouse/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides DB operations used by the billing service.
type Repository interface {
	GetMappingByUser(userID uint) (*models.CustomerMapping, error)
	GetMappingByCustomerID(provider, providerCustomerID string) (*models.CustomerMapping, error)
	CreateMapping(m *models.CustomerMapping) error
	UpsertSubscriptionByUser(sub *models.Subscription) error
	GetSubscriptionByUser(userID uint) (*models.Subscription, error)
	SetCancelAtPeriodEnd(userID uint, flag bool) error
	MarkCanceledByUser(userID uint) error
	CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error)
	MarkWebhookProcessed(id uint, processingError string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) GetMappingByUser(userID uint) (*models.CustomerMapping, error) {
	var m models.CustomerMapping
	if err := r.db.Where("user_id = ?", userID).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *gormRepository) GetMappingByCustomerID(provider, providerCustomerID string) (*models.CustomerMapping, error) {
	var m models.CustomerMapping
	err := r.db.Where("provider = ? AND provider_customer_id = ?", provider, providerCustomerID).First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CreateMapping inserts the mapping unless one already exists for the user.
// The unique index on user_id serializes concurrent first-checkout requests:
// the loser's insert is a no-op and the struct is reloaded with the winning
// row, so callers always proceed with the stored customer identity.
func (r *gormRepository) CreateMapping(m *models.CustomerMapping) error {
	if err := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(m).Error; err != nil {
		return err
	}

	return r.db.Where("user_id = ?", m.UserID).First(m).Error
}

func (r *gormRepository) UpsertSubscriptionByUser(sub *models.Subscription) error {
	if err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"provider",
			"provider_customer_id",
			"provider_subscription_id",
			"price_id",
			"tier",
			"status",
			"current_period_start",
			"current_period_end",
			"cancel_at_period_end",
			"raw_payload_json",
			"updated_at",
		}),
	}).Create(sub).Error; err != nil {
		return err
	}

	// Ensure ID is populated after upsert.
	return r.db.Where("user_id = ?", sub.UserID).First(sub).Error
}

func (r *gormRepository) GetSubscriptionByUser(userID uint) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.Where("user_id = ?", userID).First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) SetCancelAtPeriodEnd(userID uint, flag bool) error {
	tx := r.db.Model(&models.Subscription{}).
		Where("user_id = ?", userID).
		Update("cancel_at_period_end", flag)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// MarkCanceledByUser sets the terminal status and leaves tier and period
// fields untouched as a historical record.
func (r *gormRepository) MarkCanceledByUser(userID uint) error {
	tx := r.db.Model(&models.Subscription{}).
		Where("user_id = ?", userID).
		Update("status", models.SubscriptionStatusCanceled)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *gormRepository) CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.WebhookEvent
	if err := r.db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(id uint, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}
