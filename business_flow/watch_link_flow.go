package businessflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/amirphl/Kusanagi/app/dto"
	"github.com/amirphl/Kusanagi/app/metrics"
	"github.com/amirphl/Kusanagi/app/services"
	"github.com/amirphl/Kusanagi/config"
	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/repository"
	"github.com/amirphl/Kusanagi/utils"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Link creation results reported to metrics
const (
	linkResultCreated     = "created"
	linkResultReused      = "reused"
	linkResultNoInventory = "no_inventory"
	linkResultError       = "error"
)

// Reward statuses reported by the complete call
const (
	RewardStatusGranted = "granted"
	RewardStatusPending = "pending"
)

// SettlementRetryQueue schedules another settlement attempt for a completed session
type SettlementRetryQueue interface {
	EnqueueSettlementRetry(ctx context.Context, token string) error
}

// WatchLinkFlow handles the public watch-link protocol
type WatchLinkFlow interface {
	CreateLink(ctx context.Context, req *dto.CreateLinkRequest, metadata *ClientMetadata) (*dto.CreateLinkResponse, error)
	FetchVideo(ctx context.Context, req *dto.FetchVideoRequest, metadata *ClientMetadata) (*dto.FetchVideoResponse, error)
	TrackStart(ctx context.Context, req *dto.TrackRequest, metadata *ClientMetadata) (*dto.TrackStartResponse, error)
	TrackComplete(ctx context.Context, req *dto.TrackRequest, metadata *ClientMetadata) (*dto.TrackCompleteResponse, error)
}

// WatchLinkFlowImpl implements the watch-link protocol business logic
type WatchLinkFlowImpl struct {
	sessionRepo  repository.WatchSessionRepository
	adRepo       repository.AdRepository
	audit        auditWriter
	rotator      AdRotator
	machine      *SessionMachine
	settlement   SettlementEngine
	retryQueue   SettlementRetryQueue
	notifier     services.NotificationService
	videoLocator services.VideoLocator
	locker       SubscriberLocker

	cfg       config.WatchLinkConfig
	dayLoc    *time.Location
	keyPrefix string
	now       func() time.Time
	newToken  func() string
	logger    *zap.Logger
}

// NewWatchLinkFlow creates a new watch-link flow instance
func NewWatchLinkFlow(
	sessionRepo repository.WatchSessionRepository,
	adRepo repository.AdRepository,
	auditRepo repository.AuditLogRepository,
	rotator AdRotator,
	machine *SessionMachine,
	settlement SettlementEngine,
	retryQueue SettlementRetryQueue,
	notifier services.NotificationService,
	videoLocator services.VideoLocator,
	locker SubscriberLocker,
	cfg config.WatchLinkConfig,
	keyPrefix string,
	logger *zap.Logger,
) *WatchLinkFlowImpl {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = utils.WatchSessionTTL
	}
	if locker == nil {
		locker = NewKeyedMutex()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WatchLinkFlowImpl{
		sessionRepo:  sessionRepo,
		adRepo:       adRepo,
		audit:        auditWriter{repo: auditRepo},
		rotator:      rotator,
		machine:      machine,
		settlement:   settlement,
		retryQueue:   retryQueue,
		notifier:     notifier,
		videoLocator: videoLocator,
		locker:       locker,
		cfg:          cfg,
		dayLoc:       utils.LoadLocationOrUTC(cfg.DayLocation),
		keyPrefix:    keyPrefix,
		now:          utils.UTCNow,
		newToken:     newWatchToken,
		logger:       logger.Named("watch_link"),
	}
}

// newWatchToken returns 32 lowercase hex characters
func newWatchToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// WatchURL renders the public link delivered to the subscriber
func (f *WatchLinkFlowImpl) WatchURL(token string) string {
	return fmt.Sprintf("%s/watch?v=%s", strings.TrimRight(f.cfg.APIDomain, "/"), token)
}

// CreateLink issues a watch link for the subscriber, or reuses today's unfinished one
func (f *WatchLinkFlowImpl) CreateLink(ctx context.Context, req *dto.CreateLinkRequest, metadata *ClientMetadata) (*dto.CreateLinkResponse, error) {
	subscriberID := ""
	if req != nil {
		subscriberID = strings.TrimSpace(req.SubscriberID)
	}
	if subscriberID == "" {
		return nil, NewBusinessError("SUBSCRIBER_REQUIRED", "Subscriber id is required", ErrSubscriberRequired)
	}

	unlock, err := f.locker.Lock(ctx, utils.JoinKey(f.keyPrefix, utils.SubscriberLockKey, subscriberID))
	if err != nil {
		metrics.ObserveLink(linkResultError)
		if errors.Is(err, ErrSubscriberLocked) {
			return nil, NewBusinessError("SUBSCRIBER_LOCKED", "A link request for this subscriber is already in progress", err)
		}
		return nil, NewBusinessError("SUBSCRIBER_LOCK_FAILED", "Failed to lock subscriber", err)
	}
	defer unlock()

	now := f.now()
	existing, err := f.sessionRepo.LatestActiveForSubscriber(ctx, subscriberID, utils.StartOfDay(now, f.dayLoc), now)
	if err != nil {
		metrics.ObserveLink(linkResultError)
		return nil, NewBusinessError("SESSION_LOOKUP_FAILED", "Failed to look up active watch link", err)
	}

	if existing != nil {
		sent := f.deliver(ctx, existing, metadata)
		_ = f.audit.write(ctx, existing.Token, subscriberID, metadata, auditEntry{
			Action:      models.AuditActionLinkReused,
			Description: "Active watch link reused for today",
			Success:     true,
			Metadata:    map[string]any{"ad_id": existing.AdID, "status": existing.Status, "sms_sent": sent},
		})
		metrics.ObserveLink(linkResultReused)
		f.logger.Info("watch link reused",
			zap.String("token", existing.Token),
			zap.String("subscriber_id", subscriberID),
			zap.Bool("sms_sent", sent))
		return f.linkResponse(existing, true, sent), nil
	}

	ad, err := f.rotator.SelectAd(ctx, subscriberID)
	if err != nil {
		metrics.ObserveLink(linkResultError)
		return nil, err
	}
	if ad == nil {
		metrics.ObserveLink(linkResultNoInventory)
		return nil, NewBusinessError("NO_ELIGIBLE_AD", "No active ads available", ErrNoEligibleAd)
	}

	session := &models.WatchSession{
		Token:        f.newToken(),
		SubscriberID: subscriberID,
		AdID:         ad.ID,
		SponsorID:    ad.SponsorID,
		Status:       models.WatchSessionStatusPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(f.cfg.SessionTTL),
	}
	if err := f.sessionRepo.Save(ctx, session); err != nil {
		metrics.ObserveLink(linkResultError)
		return nil, NewBusinessError("SESSION_CREATE_FAILED", "Failed to create watch link", err)
	}

	_ = f.audit.write(ctx, session.Token, subscriberID, metadata, auditEntry{
		Action:      models.AuditActionLinkCreated,
		Description: "Watch link created",
		Success:     true,
		Metadata:    map[string]any{"ad_id": ad.ID, "sponsor_id": ad.SponsorID, "expires_at": session.ExpiresAt},
	})

	sent := f.deliver(ctx, session, metadata)
	metrics.ObserveLink(linkResultCreated)
	f.logger.Info("watch link created",
		zap.String("token", session.Token),
		zap.String("subscriber_id", subscriberID),
		zap.Uint("ad_id", ad.ID),
		zap.Bool("sms_sent", sent))

	return f.linkResponse(session, false, sent), nil
}

// deliver sends the watch link by SMS; a delivery failure is audited but does not fail the request
func (f *WatchLinkFlowImpl) deliver(ctx context.Context, session *models.WatchSession, metadata *ClientMetadata) bool {
	if f.notifier == nil {
		return false
	}
	watchURL := f.WatchURL(session.Token)
	if err := f.notifier.SendWatchLink(ctx, session.SubscriberID, watchURL); err != nil {
		f.logger.Warn("failed to send watch link",
			zap.String("token", session.Token),
			zap.Error(err))
		_ = f.audit.write(ctx, session.Token, session.SubscriberID, metadata, auditEntry{
			Action:      models.AuditActionSMSFailed,
			Description: "Failed to send watch link SMS",
			Success:     false,
			ErrorMsg:    err.Error(),
		})
		return false
	}
	_ = f.audit.write(ctx, session.Token, session.SubscriberID, metadata, auditEntry{
		Action:      models.AuditActionSMSSent,
		Description: "Watch link SMS sent",
		Success:     true,
		Metadata:    map[string]any{"watch_url": watchURL},
	})
	return true
}

func (f *WatchLinkFlowImpl) linkResponse(s *models.WatchSession, reused, sent bool) *dto.CreateLinkResponse {
	return &dto.CreateLinkResponse{
		Token:      s.Token,
		WatchURL:   f.WatchURL(s.Token),
		Status:     string(s.Status),
		Credential: s.Credential,
		AdID:       s.AdID,
		ExpiresAt:  s.ExpiresAt.UTC().Format(time.RFC3339),
		Reused:     reused,
		SMSSent:    sent,
	}
}

// FetchVideo opens the watch link and returns the video together with the start credential
func (f *WatchLinkFlowImpl) FetchVideo(ctx context.Context, req *dto.FetchVideoRequest, metadata *ClientMetadata) (*dto.FetchVideoResponse, error) {
	if req == nil || strings.TrimSpace(req.Token) == "" {
		return nil, f.rejectInput(EventOpen, NewBusinessError("TOKEN_REQUIRED", "Token is required", ErrTokenRequired))
	}
	envelope, err := resolveEnvelope(req.MetaBase64)
	if err != nil {
		return nil, f.rejectInput(EventOpen, err)
	}

	// resolved before the open commits; a failure leaves the session and its credential untouched
	var (
		title    string
		videoURL string
	)
	resolveVideo := func(session *models.WatchSession) error {
		ad, err := f.adRepo.ByID(ctx, session.AdID)
		if err != nil {
			return NewBusinessError("AD_LOOKUP_FAILED", "Failed to load ad", err)
		}
		var videoPath *string
		if ad != nil {
			title = ad.Title
			videoPath = ad.VideoFilePath
		}
		if f.videoLocator != nil {
			videoURL, err = f.videoLocator.Locate(ctx, videoPath)
			if err != nil {
				return NewBusinessError("VIDEO_LOCATE_FAILED", "Failed to locate video", err)
			}
		}
		return nil
	}

	next, out, err := f.advance(ctx, req.Token, Event{Kind: EventOpen, Envelope: envelope}, metadata, resolveVideo)
	if err != nil {
		return nil, err
	}

	return &dto.FetchVideoResponse{
		Token:      next.Token,
		AdID:       next.AdID,
		Title:      title,
		VideoURL:   videoURL,
		Credential: out.Credential,
		ExpiresAt:  next.ExpiresAt.UTC().Format(time.RFC3339),
		Flags:      flagReasons(out.Raised),
	}, nil
}

// TrackStart records that playback started
func (f *WatchLinkFlowImpl) TrackStart(ctx context.Context, req *dto.TrackRequest, metadata *ClientMetadata) (*dto.TrackStartResponse, error) {
	envelope, err := f.trackInput(EventStart, req)
	if err != nil {
		return nil, err
	}

	next, out, err := f.advance(ctx, req.Token, Event{Kind: EventStart, Envelope: envelope, Credential: req.Credential}, metadata, nil)
	if err != nil {
		return nil, err
	}

	return &dto.TrackStartResponse{
		Token:      next.Token,
		Status:     string(next.Status),
		Credential: out.Credential,
		Flags:      flagReasons(out.Raised),
	}, nil
}

// TrackComplete records that playback finished and settles the reward.
// When settlement fails after the completion committed, the response is returned
// together with an error wrapping ErrSettlementPending.
func (f *WatchLinkFlowImpl) TrackComplete(ctx context.Context, req *dto.TrackRequest, metadata *ClientMetadata) (*dto.TrackCompleteResponse, error) {
	envelope, err := f.trackInput(EventComplete, req)
	if err != nil {
		return nil, err
	}

	next, out, err := f.advance(ctx, req.Token, Event{Kind: EventComplete, Envelope: envelope, Credential: req.Credential}, metadata, nil)
	if err != nil {
		return nil, err
	}

	resp := &dto.TrackCompleteResponse{
		Token:        next.Token,
		Status:       string(next.Status),
		Credential:   out.Credential,
		RewardStatus: RewardStatusPending,
		Flags:        flagReasons(out.Raised),
	}

	result, err := f.settlement.Settle(ctx, next.Token)
	if err != nil {
		f.logger.Error("settlement failed after completion",
			zap.String("token", next.Token),
			zap.Error(err))
		f.scheduleRetry(ctx, next.Token)
		return resp, NewBusinessError("SETTLEMENT_PENDING", "Watch completed; reward settlement is pending", fmt.Errorf("%w: %v", ErrSettlementPending, err))
	}

	resp.RewardStatus = RewardStatusGranted
	resp.RewardID = utils.ToPtr(result.RewardID)
	resp.OfferID = utils.ToPtr(result.OfferID)
	return resp, nil
}

func (f *WatchLinkFlowImpl) scheduleRetry(ctx context.Context, token string) {
	if f.retryQueue == nil {
		return
	}
	if err := f.retryQueue.EnqueueSettlementRetry(ctx, token); err != nil {
		f.logger.Error("failed to enqueue settlement retry",
			zap.String("token", token),
			zap.Error(err))
	}
}

func (f *WatchLinkFlowImpl) trackInput(kind EventKind, req *dto.TrackRequest) (*EnvelopePayload, error) {
	if req == nil || strings.TrimSpace(req.Token) == "" {
		return nil, f.rejectInput(kind, NewBusinessError("TOKEN_REQUIRED", "Token is required", ErrTokenRequired))
	}
	if strings.TrimSpace(req.Credential) == "" {
		return nil, f.rejectInput(kind, NewBusinessError("CREDENTIAL_REQUIRED", "Credential is required", ErrCredentialRequired))
	}
	envelope, err := resolveEnvelope(req.MetaBase64)
	if err != nil {
		return nil, f.rejectInput(kind, err)
	}
	return envelope, nil
}

func (f *WatchLinkFlowImpl) rejectInput(kind EventKind, err error) error {
	metrics.ObserveTransition(string(kind), metrics.OutcomeBadRequest)
	return err
}

// advance loads the session, evaluates ev and applies the outcome through a conditional write.
// prepare, when set, runs on an accepted transition before it is persisted; its error aborts the transition.
func (f *WatchLinkFlowImpl) advance(ctx context.Context, token string, ev Event, metadata *ClientMetadata, prepare func(*models.WatchSession) error) (*models.WatchSession, Outcome, error) {
	phase := string(ev.Kind)

	session, err := f.sessionRepo.ByToken(ctx, token)
	if err != nil {
		metrics.ObserveTransition(phase, metrics.OutcomeError)
		return nil, Outcome{}, NewBusinessError("SESSION_LOOKUP_FAILED", "Failed to load watch session", err)
	}
	if session == nil {
		metrics.ObserveTransition(phase, metrics.OutcomeRejected)
		return nil, Outcome{}, NewBusinessError("SESSION_NOT_FOUND", "Watch link not found", ErrSessionNotFound)
	}

	now := f.now()
	out := f.machine.Transition(*session, ev, now)
	for _, flag := range out.Raised {
		metrics.ObserveFraudFlag(flag.Reason)
	}

	if !out.Accepted() {
		if len(out.PersistFlags) > 0 {
			if err := f.sessionRepo.AppendFraudFlags(ctx, token, out.PersistFlags); err != nil {
				f.logger.Error("failed to persist fraud flags",
					zap.String("token", token),
					zap.Error(err))
			}
		}
		f.writeAudits(ctx, session, metadata, out.Audits)
		metrics.ObserveTransition(phase, transitionOutcome(out.Err))
		f.logger.Info("watch session transition rejected",
			zap.String("token", token),
			zap.String("phase", phase),
			zap.String("status", string(session.Status)),
			zap.String("code", ErrorCode(out.Err)))
		return nil, out, out.Err
	}

	if prepare != nil {
		if err := prepare(session); err != nil {
			metrics.ObserveTransition(phase, metrics.OutcomeError)
			return nil, out, err
		}
	}

	if err := f.sessionRepo.ApplyTransition(ctx, token, out.Guard, out.Change); err != nil {
		if errors.Is(err, repository.ErrConditionalUpdateFailed) {
			metrics.ObserveTransition(phase, metrics.OutcomeConflict)
			return nil, out, NewBusinessError("TRANSITION_CONFLICT", "Watch session changed concurrently; retry with the latest credential", ErrTransitionConflict)
		}
		metrics.ObserveTransition(phase, metrics.OutcomeError)
		return nil, out, NewBusinessError("SESSION_UPDATE_FAILED", "Failed to update watch session", err)
	}

	f.writeAudits(ctx, session, metadata, out.Audits)
	metrics.ObserveTransition(phase, metrics.OutcomeAccepted)
	f.logger.Info("watch session advanced",
		zap.String("token", token),
		zap.String("from", string(session.Status)),
		zap.String("to", string(out.Next.Status)),
		zap.Strings("flags", flagReasons(out.Raised)))

	next := out.Next
	return &next, out, nil
}

func (f *WatchLinkFlowImpl) writeAudits(ctx context.Context, session *models.WatchSession, metadata *ClientMetadata, audits []auditEntry) {
	for _, e := range audits {
		if err := f.audit.write(ctx, session.Token, session.SubscriberID, metadata, e); err != nil {
			f.logger.Warn("failed to write audit log",
				zap.String("token", session.Token),
				zap.String("action", e.Action),
				zap.Error(err))
		}
	}
}

func transitionOutcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeAccepted
	case IsConflict(err):
		return metrics.OutcomeConflict
	case IsBadRequest(err):
		return metrics.OutcomeBadRequest
	case IsForbidden(err), IsGone(err), IsNotFound(err):
		return metrics.OutcomeRejected
	default:
		return metrics.OutcomeError
	}
}
