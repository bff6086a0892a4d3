package models

import "time"

// AdStatus represents the approval / delivery state of an ad
type AdStatus string

const (
	AdStatusPendingApproval AdStatus = "pending_approval"
	AdStatusActive          AdStatus = "active"
	AdStatusPaused          AdStatus = "paused"
	AdStatusExpired         AdStatus = "expired"
)

// Ad is a sponsored video creative that can be assigned to a watch link
type Ad struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	SponsorID        uint      `gorm:"not null;index:idx_ads_sponsor_id" json:"sponsor_id"`
	CampaignName     string    `gorm:"size:255;not null" json:"campaign_name"`
	Title            string    `gorm:"size:255;not null" json:"title"`
	CostPerView      int64     `gorm:"not null;default:1" json:"cost_per_view"`
	BudgetAllocation int64     `gorm:"not null;default:0" json:"budget_allocation"`
	RemainingBudget  int64     `gorm:"not null;default:0" json:"remaining_budget"`
	VideoFilePath    *string   `gorm:"type:text" json:"video_file_path,omitempty"`
	StartDate        time.Time `gorm:"not null;index:idx_ads_eligibility,priority:2" json:"start_date"`
	EndDate          time.Time `gorm:"not null;index:idx_ads_eligibility,priority:3" json:"end_date"`
	Status           AdStatus  `gorm:"type:varchar(20);not null;default:'pending_approval';index:idx_ads_eligibility,priority:1" json:"status"`

	CreatedAt time.Time `gorm:"not null;index:idx_ads_created_at" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Sponsor *Sponsor `gorm:"foreignKey:SponsorID;references:ID" json:"sponsor,omitempty"`
}

// TableName returns the table name for Ad
func (Ad) TableName() string { return "ads" }

// EffectiveCostPerView is the amount settlement charges for one completed view
func (a *Ad) EffectiveCostPerView(fallback int64) int64 {
	if a.CostPerView > 0 {
		return a.CostPerView
	}
	return fallback
}

// IsEligibleAt mirrors the repository eligibility query for a single record
func (a *Ad) IsEligibleAt(now time.Time) bool {
	return a.Status == AdStatusActive &&
		!now.Before(a.StartDate) &&
		!now.After(a.EndDate) &&
		a.RemainingBudget > 0
}

// AdFilter provides filter fields for repository queries
type AdFilter struct {
	ID        *uint
	SponsorID *uint
	Status    *AdStatus
	ActiveAt  *time.Time
}
