package domain

import "time"

// UserDatabase maps a tenant (user) to its logical database. It lives in the root store.
type UserDatabase struct {
	UserID       uint      `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	DatabaseName string    `gorm:"type:varchar(128);not null" json:"database_name"`
	Timezone     string    `gorm:"type:varchar(64)" json:"timezone"`
	IsActive     bool      `gorm:"not null;default:true" json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (UserDatabase) TableName() string {
	return "user_databases"
}

// Seller is the read-only reference row linking an internal seller to its Amazon identity.
type Seller struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	AmazonSellerID string    `gorm:"type:varchar(64);not null;uniqueIndex" json:"amazon_seller_id"`
	MarketplaceID  string    `gorm:"type:varchar(32)" json:"marketplace_id"`
	Name           string    `gorm:"type:varchar(255)" json:"name"`
	IsActive       bool      `gorm:"not null;default:true" json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (Seller) TableName() string {
	return "sellers"
}
