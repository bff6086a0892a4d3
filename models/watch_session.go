// Package models contains domain entities and business models for the watch-link protocol
package models

import (
	"time"

	"github.com/amirphl/Kusanagi/utils"
	"gorm.io/datatypes"
)

// WatchSessionStatus is the lifecycle phase of a watch link
type WatchSessionStatus string

const (
	WatchSessionStatusPending   WatchSessionStatus = "pending"
	WatchSessionStatusOpened    WatchSessionStatus = "opened"
	WatchSessionStatusStarted   WatchSessionStatus = "started"
	WatchSessionStatusCompleted WatchSessionStatus = "completed"
	WatchSessionStatusExpired   WatchSessionStatus = "expired"
)

// Rank orders statuses along the forward path; expired ranks above everything but completed is terminal too
func (s WatchSessionStatus) Rank() int {
	switch s {
	case WatchSessionStatusPending:
		return 0
	case WatchSessionStatusOpened:
		return 1
	case WatchSessionStatusStarted:
		return 2
	case WatchSessionStatusCompleted:
		return 3
	case WatchSessionStatusExpired:
		return 4
	default:
		return -1
	}
}

// IsActive reports whether a session in this status can still make progress
func (s WatchSessionStatus) IsActive() bool {
	return s == WatchSessionStatusPending || s == WatchSessionStatusOpened || s == WatchSessionStatusStarted
}

// Fraud flag reasons
const (
	FraudReasonMSISDNMismatch  = "MSISDN_MISMATCH"
	FraudReasonIPMismatch      = "IP_MISMATCH"
	FraudReasonDeviceChange    = "DEVICE_CHANGE"
	FraudReasonUserAgentChange = "USER_AGENT_CHANGE"
)

// Fingerprint is the last-seen client telemetry of a session
type Fingerprint struct {
	IP         string         `json:"ip,omitempty"`
	UserAgent  string         `json:"user_agent,omitempty"`
	Device     map[string]any `json:"device,omitempty"`
	Location   map[string]any `json:"location,omitempty"`
	CapturedAt *time.Time     `json:"captured_at,omitempty"`
}

// Captured reports whether a previous phase stored this fingerprint
func (f Fingerprint) Captured() bool {
	return f.CapturedAt != nil
}

// FraudFlag is one append-only fraud signal raised against a session
type FraudFlag struct {
	Reason string    `json:"reason"`
	Detail string    `json:"detail,omitempty"`
	Phase  string    `json:"phase,omitempty"`
	At     time.Time `json:"at"`
}

// WatchSession is one issued watch link and its progress through the protocol
type WatchSession struct {
	ID           uint               `gorm:"primaryKey" json:"id"`
	Token        string             `gorm:"size:64;not null;uniqueIndex:uk_watch_sessions_token" json:"token"`
	SubscriberID string             `gorm:"size:32;not null;index:idx_watch_sessions_subscriber_day,priority:1" json:"subscriber_id"`
	AdID         uint               `gorm:"not null;index:idx_watch_sessions_ad_id" json:"ad_id"`
	SponsorID    uint               `gorm:"not null;index:idx_watch_sessions_sponsor_id" json:"sponsor_id"`
	Status       WatchSessionStatus `gorm:"type:varchar(16);not null;default:'pending';index:idx_watch_sessions_status" json:"status"`

	Credential  *string                         `gorm:"size:128" json:"-"`
	Fingerprint datatypes.JSONType[Fingerprint] `gorm:"type:jsonb;not null;default:'{}'" json:"fingerprint"`
	FraudFlags  datatypes.JSONSlice[FraudFlag]  `gorm:"type:jsonb;not null;default:'[]'" json:"fraud_flags"`

	RewardRef     *string `gorm:"size:64" json:"reward_ref,omitempty"`
	SettlementRef *string `gorm:"size:64;uniqueIndex:uk_watch_sessions_settlement_ref" json:"settlement_ref,omitempty"`

	CreatedAt   time.Time  `gorm:"not null;index:idx_watch_sessions_subscriber_day,priority:2" json:"created_at"`
	ExpiresAt   time.Time  `gorm:"not null;index:idx_watch_sessions_expires_at" json:"expires_at"`
	OpenedAt    *time.Time `json:"opened_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ArchivedAt  *time.Time `gorm:"index:idx_watch_sessions_archived_at" json:"archived_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TableName returns the table name for WatchSession
func (WatchSession) TableName() string { return "watch_sessions" }

// IsExpiredAt applies the lazy expiry rule: any unfinished session past its deadline is expired
func (s *WatchSession) IsExpiredAt(now time.Time) bool {
	if s.Status == WatchSessionStatusCompleted {
		return false
	}
	return s.Status == WatchSessionStatusExpired || utils.IsExpiredAt(s.ExpiresAt, now)
}

// EffectiveStatus is the status a reader observes at instant now
func (s *WatchSession) EffectiveStatus(now time.Time) WatchSessionStatus {
	if s.IsExpiredAt(now) {
		return WatchSessionStatusExpired
	}
	return s.Status
}

// IsSettled reports whether the settlement engine already ran for this session
func (s *WatchSession) IsSettled() bool {
	return s.SettlementRef != nil && *s.SettlementRef != ""
}

// WatchSessionFilter provides filter fields for repository queries
type WatchSessionFilter struct {
	ID            *uint
	Token         *string
	SubscriberID  *string
	AdID          *uint
	SponsorID     *uint
	Status        *WatchSessionStatus
	Statuses      []WatchSessionStatus
	Flagged       *bool
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	ExpiresBefore *time.Time
}
