package models

import (
	"time"

	"gorm.io/datatypes"
)

type AuditLog struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	Token        *string        `gorm:"size:64;index:idx_audit_token" json:"token,omitempty"`
	SubscriberID *string        `gorm:"size:32;index:idx_audit_subscriber_id" json:"subscriber_id,omitempty"`
	Action       string         `gorm:"size:64;not null;index:idx_audit_action" json:"action"`
	Description  *string        `gorm:"type:text" json:"description,omitempty"`
	IPAddress    *string        `gorm:"size:64;index:idx_audit_ip_address" json:"ip_address,omitempty"`
	UserAgent    *string        `gorm:"type:text" json:"user_agent,omitempty"`
	RequestID    *string        `gorm:"size:255;index:idx_audit_request_id" json:"request_id,omitempty"`
	Metadata     datatypes.JSON `gorm:"type:jsonb" json:"metadata,omitempty"`
	Success      *bool          `gorm:"default:true;index:idx_audit_success" json:"success"`
	ErrorMessage *string        `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt    time.Time      `gorm:"default:CURRENT_TIMESTAMP;index:idx_audit_created_at" json:"created_at"`
}

func (AuditLog) TableName() string {
	return "audit_log"
}

// Audit action constants
const (
	AuditActionLinkCreated            = "link_created"
	AuditActionLinkReused             = "link_reused"
	AuditActionSMSSent                = "sms_sent"
	AuditActionSMSFailed              = "sms_failed"
	AuditActionOpened                 = "opened"
	AuditActionStarted                = "started"
	AuditActionCompleted              = "completed"
	AuditActionCompletionWithoutStart = "fraud_attempt_completion_without_start"
	AuditActionFraudFlagged           = "fraud_flagged"
	AuditActionCredentialRejected     = "credential_rejected"
	AuditActionSettlementSucceeded    = "settlement_succeeded"
	AuditActionSettlementFailed       = "settlement_failed"
	AuditActionSessionArchived        = "session_archived"
)

// AuditLogFilter represents filter criteria for audit log queries
type AuditLogFilter struct {
	ID            *uint
	Token         *string
	SubscriberID  *string
	Action        *string
	Success       *bool
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}

func (a *AuditLog) IsFailed() bool {
	return a.Success != nil && !*a.Success
}

// IsFraudEvent reports whether the entry records a suspected tampering attempt
func (a *AuditLog) IsFraudEvent() bool {
	fraudActions := map[string]bool{
		AuditActionCompletionWithoutStart: true,
		AuditActionFraudFlagged:           true,
		AuditActionCredentialRejected:     true,
	}
	return fraudActions[a.Action]
}
