package businessflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/amirphl/Kusanagi/app/dto"
	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/repository"
	"github.com/amirphl/Kusanagi/utils"
	"gorm.io/datatypes"
)

// ClientMetadata holds transport-level client information for audit logging
type ClientMetadata struct {
	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`
	RequestID string `json:"request_id,omitempty"`
}

// NewClientMetadata creates a new ClientMetadata instance with basic information
func NewClientMetadata(ipAddress, userAgent string) *ClientMetadata {
	return &ClientMetadata{
		IPAddress: ipAddress,
		UserAgent: userAgent,
	}
}

// SetRequestID sets the request ID
func (cm *ClientMetadata) SetRequestID(requestID string) {
	cm.RequestID = requestID
}

// auditEntry is one audit record a flow or the state machine wants written
type auditEntry struct {
	Action      string
	Description string
	Success     bool
	ErrorMsg    string
	Metadata    map[string]any
}

// auditWriter persists audit entries; writes are best-effort
type auditWriter struct {
	repo repository.AuditLogRepository
}

func (w auditWriter) write(ctx context.Context, token, subscriberID string, metadata *ClientMetadata, e auditEntry) error {
	if w.repo == nil {
		return nil
	}

	audit := &models.AuditLog{
		Action:      e.Action,
		Description: &e.Description,
		Success:     utils.ToPtr(e.Success),
	}
	if token != "" {
		audit.Token = &token
	}
	if subscriberID != "" {
		audit.SubscriberID = &subscriberID
	}
	if e.ErrorMsg != "" {
		audit.ErrorMessage = &e.ErrorMsg
	}
	if metadata != nil {
		audit.IPAddress = &metadata.IPAddress
		audit.UserAgent = &metadata.UserAgent
		if metadata.RequestID != "" {
			audit.RequestID = &metadata.RequestID
		}
	}
	if audit.RequestID == nil {
		if requestID := utils.StringFromContext(ctx, utils.RequestIDKey); requestID != "" {
			audit.RequestID = &requestID
		}
	}
	if len(e.Metadata) > 0 {
		if raw, err := json.Marshal(e.Metadata); err == nil {
			audit.Metadata = datatypes.JSON(raw)
		}
	}

	return w.repo.Save(ctx, audit)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func flagReasons(flags []models.FraudFlag) []string {
	reasons := make([]string, 0, len(flags))
	for _, f := range flags {
		reasons = append(reasons, f.Reason)
	}
	return reasons
}

// ToFraudFlagDTOs converts stored fraud flags to their API representation
func ToFraudFlagDTOs(flags []models.FraudFlag) []dto.FraudFlagDTO {
	out := make([]dto.FraudFlagDTO, 0, len(flags))
	for _, f := range flags {
		out = append(out, dto.FraudFlagDTO{
			Reason: f.Reason,
			Detail: f.Detail,
			Phase:  f.Phase,
			At:     f.At.UTC().Format(time.RFC3339),
		})
	}
	return out
}

// ToWatchSessionDTO converts a session to the inspection view observed at now
func ToWatchSessionDTO(s models.WatchSession, now time.Time) dto.WatchSessionDTO {
	return dto.WatchSessionDTO{
		Token:         s.Token,
		SubscriberID:  s.SubscriberID,
		AdID:          s.AdID,
		SponsorID:     s.SponsorID,
		Status:        string(s.EffectiveStatus(now)),
		StoredStatus:  string(s.Status),
		CreatedAt:     s.CreatedAt.UTC().Format(time.RFC3339),
		ExpiresAt:     s.ExpiresAt.UTC().Format(time.RFC3339),
		OpenedAt:      formatTimePtr(s.OpenedAt),
		StartedAt:     formatTimePtr(s.StartedAt),
		CompletedAt:   formatTimePtr(s.CompletedAt),
		ArchivedAt:    formatTimePtr(s.ArchivedAt),
		FraudFlags:    ToFraudFlagDTOs(s.FraudFlags),
		RewardRef:     s.RewardRef,
		SettlementRef: s.SettlementRef,
		Settled:       s.IsSettled(),
	}
}
