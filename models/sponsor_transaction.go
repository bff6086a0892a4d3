package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SponsorTransactionType represents the kind of ledger movement
type SponsorTransactionType string

const (
	SponsorTransactionTypeTopup     SponsorTransactionType = "topup"
	SponsorTransactionTypeDeduction SponsorTransactionType = "deduction"
	SponsorTransactionTypeRefund    SponsorTransactionType = "refund"
)

// SponsorTransaction is an immutable sponsor ledger entry
// Reference is unique per type; deductions use the watch token so a view is charged at most once
type SponsorTransaction struct {
	ID             uint                   `gorm:"primaryKey;autoIncrement" json:"id"`
	UUID           uuid.UUID              `gorm:"type:uuid;uniqueIndex:uk_sponsor_transactions_uuid;not null" json:"uuid"`
	SponsorID      uint                   `gorm:"not null;index:idx_sponsor_transactions_sponsor_id" json:"sponsor_id"`
	AdID           *uint                  `gorm:"index:idx_sponsor_transactions_ad_id" json:"ad_id,omitempty"`
	Type           SponsorTransactionType `gorm:"type:varchar(20);not null;uniqueIndex:uk_sponsor_transactions_type_reference,priority:1" json:"type"`
	Amount         int64                  `gorm:"not null" json:"amount"`
	PreviousBudget int64                  `gorm:"not null" json:"previous_budget"`
	NewBudget      int64                  `gorm:"not null" json:"new_budget"`
	Reason         string                 `gorm:"size:255;not null" json:"reason"`
	Description    *string                `gorm:"type:text" json:"description,omitempty"`
	Reference      string                 `gorm:"size:64;not null;uniqueIndex:uk_sponsor_transactions_type_reference,priority:2" json:"reference"`
	Metadata       datatypes.JSON         `gorm:"type:jsonb" json:"metadata,omitempty"`

	CreatedAt time.Time `gorm:"not null;index:idx_sponsor_transactions_created_at" json:"created_at"`
}

// TableName returns the table name for SponsorTransaction
func (SponsorTransaction) TableName() string { return "sponsor_transactions" }

func (t *SponsorTransaction) BeforeCreate(tx *gorm.DB) error {
	if t.UUID == uuid.Nil {
		t.UUID = uuid.New()
	}
	return nil
}

// SponsorTransactionFilter provides filter fields for repository queries
type SponsorTransactionFilter struct {
	ID        *uint
	SponsorID *uint
	Type      *SponsorTransactionType
	Reference *string
}
