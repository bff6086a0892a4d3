package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SponsorStatus represents whether a sponsor may be charged
type SponsorStatus string

const (
	SponsorStatusActive    SponsorStatus = "active"
	SponsorStatusPaused    SponsorStatus = "paused"
	SponsorStatusSuspended SponsorStatus = "suspended"
)

// Sponsor is the advertiser whose ledger pays for completed views
type Sponsor struct {
	ID              uint          `gorm:"primaryKey" json:"id"`
	UUID            uuid.UUID     `gorm:"type:uuid;uniqueIndex:uk_sponsors_uuid;not null" json:"uuid"`
	Name            string        `gorm:"size:255;not null" json:"name"`
	Email           *string       `gorm:"size:255" json:"email,omitempty"`
	TotalBudget     int64         `gorm:"not null;default:0" json:"total_budget"`
	RemainingBudget int64         `gorm:"not null;default:0" json:"remaining_budget"`
	Status          SponsorStatus `gorm:"type:varchar(20);not null;default:'active'" json:"status"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for Sponsor
func (Sponsor) TableName() string { return "sponsors" }

func (s *Sponsor) BeforeCreate(tx *gorm.DB) error {
	if s.UUID == uuid.Nil {
		s.UUID = uuid.New()
	}
	return nil
}

// SponsorFilter provides filter fields for repository queries
type SponsorFilter struct {
	ID     *uint
	UUID   *uuid.UUID
	Status *SponsorStatus
}
