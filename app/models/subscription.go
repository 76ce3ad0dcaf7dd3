package models

import "time"

const (
	SubscriptionStatusIncomplete = "incomplete"
	SubscriptionStatusActive     = "active"
	SubscriptionStatusCanceling  = "canceling"
	SubscriptionStatusCanceled   = "canceled"
	SubscriptionStatusPastDue    = "past_due"
)

// Subscription mirrors the provider subscription state for a user and carries
// the tier the rest of the application gates features on. Exactly one row
// exists per user (upsert-by-user); cancellation is a status value, rows are
// never hard-deleted.
type Subscription struct {
	ID                     uint       `gorm:"primaryKey" json:"id"`
	UserID                 uint       `gorm:"not null;uniqueIndex:ux_subscriptions_user" json:"user_id"`
	Provider               string     `gorm:"type:varchar(20);not null;default:'stripe'" json:"provider"`
	ProviderCustomerID     string     `gorm:"type:varchar(191);not null;index" json:"provider_customer_id"`
	ProviderSubscriptionID string     `gorm:"type:varchar(191);not null;index" json:"provider_subscription_id"`
	PriceID                string     `gorm:"type:varchar(191);not null;default:''" json:"price_id"`
	Tier                   string     `gorm:"type:varchar(50);not null;default:'free';index" json:"tier"`
	Status                 string     `gorm:"type:varchar(32);not null;default:'incomplete';index" json:"status"`
	CurrentPeriodStart     *time.Time `gorm:"type:timestamp;default:null" json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool       `gorm:"default:false" json:"cancel_at_period_end"`
	RawPayloadJSON         string     `gorm:"type:longtext" json:"raw_payload_json"`
	CreatedAt              time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
