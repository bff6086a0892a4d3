package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RewardStatus is the grant state of a reward
type RewardStatus string

const (
	RewardStatusGranted RewardStatus = "granted"
	RewardStatusFailed  RewardStatus = "failed"
	RewardStatusRevoked RewardStatus = "revoked"
)

// Reward is issued once per completed watch session; Token is the idempotency key
type Reward struct {
	ID           uint         `gorm:"primaryKey" json:"id"`
	UUID         uuid.UUID    `gorm:"type:uuid;uniqueIndex:uk_rewards_uuid;not null" json:"uuid"`
	Token        string       `gorm:"size:64;not null;uniqueIndex:uk_rewards_token" json:"token"`
	SubscriberID string       `gorm:"size:32;not null;index:idx_rewards_subscriber_id" json:"subscriber_id"`
	AdID         uint         `gorm:"not null" json:"ad_id"`
	SponsorID    uint         `gorm:"not null" json:"sponsor_id"`
	OfferID      string       `gorm:"size:64;not null;uniqueIndex:uk_rewards_offer_id" json:"offer_id"`
	Status       RewardStatus `gorm:"type:varchar(16);not null;default:'granted'" json:"status"`
	GrantedAt    *time.Time   `json:"granted_at,omitempty"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

// TableName returns the table name for Reward
func (Reward) TableName() string { return "rewards" }

func (r *Reward) BeforeCreate(tx *gorm.DB) error {
	if r.UUID == uuid.Nil {
		r.UUID = uuid.New()
	}
	return nil
}

// RewardFilter provides filter fields for repository queries
type RewardFilter struct {
	ID           *uint
	Token        *string
	SubscriberID *string
	Status       *RewardStatus
}
