package dto

// CreateLinkRequest asks for a watch link for one subscriber
type CreateLinkRequest struct {
	SubscriberID string `json:"subscriber_id" validate:"required,min=5,max=32"`
}

// CreateLinkResponse describes the issued or reused watch link
type CreateLinkResponse struct {
	Token      string  `json:"token"`
	WatchURL   string  `json:"watch_url"`
	Status     string  `json:"status"`
	Credential *string `json:"credential,omitempty"`
	AdID       uint    `json:"ad_id"`
	ExpiresAt  string  `json:"expires_at"`
	Reused     bool    `json:"reused"`
	SMSSent    bool    `json:"sms_sent"`
}

// FetchVideoRequest opens a watch link; MetaBase64 is resolved from header, query or body
type FetchVideoRequest struct {
	Token      string `json:"token" validate:"required,max=64"`
	MetaBase64 string `json:"meta_base64"`
}

// FetchVideoResponse carries the video to play and the credential for the start call
type FetchVideoResponse struct {
	Token      string   `json:"token"`
	AdID       uint     `json:"ad_id"`
	Title      string   `json:"title"`
	VideoURL   string   `json:"video_url"`
	Credential string   `json:"credential"`
	ExpiresAt  string   `json:"expires_at"`
	Flags      []string `json:"flags,omitempty"`
}

// TrackRequest is the body of the start and complete calls
type TrackRequest struct {
	Token      string `json:"token" validate:"required,max=64"`
	Credential string `json:"credential" validate:"required,max=128"`
	MetaBase64 string `json:"meta_base64"`
}

// TrackStartResponse carries the credential for the complete call
type TrackStartResponse struct {
	Token      string   `json:"token"`
	Status     string   `json:"status"`
	Credential string   `json:"credential"`
	Flags      []string `json:"flags,omitempty"`
}

// TrackCompleteResponse reports the completion and the reward outcome
type TrackCompleteResponse struct {
	Token        string   `json:"token"`
	Status       string   `json:"status"`
	Credential   string   `json:"credential"`
	RewardStatus string   `json:"reward_status"`
	RewardID     *string  `json:"reward_id,omitempty"`
	OfferID      *string  `json:"offer_id,omitempty"`
	Flags        []string `json:"flags,omitempty"`
}

// FraudFlagDTO is one fraud signal raised against a session
type FraudFlagDTO struct {
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
	Phase  string `json:"phase,omitempty"`
	At     string `json:"at"`
}

// WatchSessionDTO is the operator view of a session
type WatchSessionDTO struct {
	Token         string         `json:"token"`
	SubscriberID  string         `json:"subscriber_id"`
	AdID          uint           `json:"ad_id"`
	SponsorID     uint           `json:"sponsor_id"`
	Status        string         `json:"status"`
	StoredStatus  string         `json:"stored_status"`
	CreatedAt     string         `json:"created_at"`
	ExpiresAt     string         `json:"expires_at"`
	OpenedAt      *string        `json:"opened_at,omitempty"`
	StartedAt     *string        `json:"started_at,omitempty"`
	CompletedAt   *string        `json:"completed_at,omitempty"`
	ArchivedAt    *string        `json:"archived_at,omitempty"`
	FraudFlags    []FraudFlagDTO `json:"fraud_flags"`
	RewardRef     *string        `json:"reward_ref,omitempty"`
	SettlementRef *string        `json:"settlement_ref,omitempty"`
	Settled       bool           `json:"settled"`
}

// AuditEntryDTO is one audit trail line of a session
type AuditEntryDTO struct {
	Action      string  `json:"action"`
	Description *string `json:"description,omitempty"`
	Success     bool    `json:"success"`
	Error       *string `json:"error,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

// InspectSessionResponse is the operator view of a session and its audit trail
type InspectSessionResponse struct {
	Session    WatchSessionDTO `json:"session"`
	AuditTrail []AuditEntryDTO `json:"audit_trail"`
}

// SettlementResponse reports the outcome of a settlement run
type SettlementResponse struct {
	Token            string `json:"token"`
	RewardID         string `json:"reward_id"`
	OfferID          string `json:"offer_id"`
	SettlementRef    string `json:"settlement_ref"`
	Debited          int64  `json:"debited"`
	SponsorRemaining int64  `json:"sponsor_remaining"`
	SponsorAdsPaused int64  `json:"sponsor_ads_paused"`
	AlreadySettled   bool   `json:"already_settled"`
}

// FraudExportRequest selects flagged sessions created in [from, to)
type FraudExportRequest struct {
	From  string `query:"from" validate:"required"`
	To    string `query:"to" validate:"required"`
	Limit int    `query:"limit" validate:"omitempty,min=1,max=50000"`
}
