package models

import "time"

// Billing provider constants used across billing-related models.
const (
	BillingProviderStripe = "stripe"
)

// CustomerMapping stores the association between a local user and the payment
// processor's customer identity. At most one mapping exists per user; the
// unique index on user_id is what resolves concurrent first-checkout races.
type CustomerMapping struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	UserID             uint      `gorm:"not null;uniqueIndex:ux_customer_mappings_user" json:"user_id"`
	Provider           string    `gorm:"type:varchar(20);not null;index:ux_customer_mappings_provider_customer,unique,priority:1" json:"provider"`
	ProviderCustomerID string    `gorm:"type:varchar(191);not null;index:ux_customer_mappings_provider_customer,unique,priority:2" json:"provider_customer_id"`
	Email              string    `gorm:"type:varchar(200);default:''" json:"email"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
