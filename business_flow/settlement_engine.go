package businessflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/amirphl/Kusanagi/app/metrics"
	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/repository"
	"github.com/amirphl/Kusanagi/utils"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// SettlementResult is the outcome of settling one completed session
type SettlementResult struct {
	Token            string
	RewardID         string
	OfferID          string
	SettlementRef    string
	Debited          int64
	SponsorRemaining int64
	SponsorAdsPaused int64
	AlreadySettled   bool
}

// SettlementEngine debits the sponsor and grants the reward of a completed session exactly once
type SettlementEngine interface {
	Settle(ctx context.Context, token string) (*SettlementResult, error)
}

// SettlementEngineImpl implements SettlementEngine in a single database transaction
type SettlementEngineImpl struct {
	tx            repository.Transactor
	sessionRepo   repository.WatchSessionRepository
	adRepo        repository.AdRepository
	sponsorRepo   repository.SponsorRepository
	sponsorTxRepo repository.SponsorTransactionRepository
	rewardRepo    repository.RewardRepository
	audit         auditWriter
	node          *snowflake.Node
	defaultCost   int64
	now           func() time.Time
	logger        *zap.Logger
}

func NewSettlementEngine(
	tx repository.Transactor,
	sessionRepo repository.WatchSessionRepository,
	adRepo repository.AdRepository,
	sponsorRepo repository.SponsorRepository,
	sponsorTxRepo repository.SponsorTransactionRepository,
	rewardRepo repository.RewardRepository,
	auditRepo repository.AuditLogRepository,
	node *snowflake.Node,
	defaultCost int64,
	logger *zap.Logger,
) *SettlementEngineImpl {
	if defaultCost <= 0 {
		defaultCost = utils.DefaultCostPerView
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if node == nil {
		node, _ = snowflake.NewNode(1)
	}
	return &SettlementEngineImpl{
		tx:            tx,
		sessionRepo:   sessionRepo,
		adRepo:        adRepo,
		sponsorRepo:   sponsorRepo,
		sponsorTxRepo: sponsorTxRepo,
		rewardRepo:    rewardRepo,
		audit:         auditWriter{repo: auditRepo},
		node:          node,
		defaultCost:   defaultCost,
		now:           utils.UTCNow,
		logger:        logger.Named("settlement"),
	}
}

func (e *SettlementEngineImpl) Settle(ctx context.Context, token string) (*SettlementResult, error) {
	var (
		result  *SettlementResult
		session *models.WatchSession
	)

	err := e.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		var err error
		session, err = e.sessionRepo.ByTokenForUpdate(txCtx, token)
		if err != nil {
			return NewBusinessError("SESSION_LOOKUP_FAILED", "Failed to load watch session", err)
		}
		if session == nil {
			return NewBusinessError("SESSION_NOT_FOUND", "Watch session not found", ErrSessionNotFound)
		}
		if session.Status != models.WatchSessionStatusCompleted {
			return NewBusinessErrorf("SESSION_NOT_COMPLETED", "Watch session is %s", ErrSessionNotCompleted, session.Status)
		}

		if session.IsSettled() {
			result, err = e.replay(txCtx, session)
			return err
		}

		// a reward without refs means a previous run stopped before the write-back
		existing, err := e.rewardRepo.ByToken(txCtx, token)
		if err != nil {
			return NewBusinessError("REWARD_LOOKUP_FAILED", "Failed to load reward", err)
		}
		if existing != nil {
			settlementRef := existing.OfferID
			if entry, err := e.sponsorTxRepo.ByReference(txCtx, models.SponsorTransactionTypeDeduction, token); err != nil {
				return NewBusinessError("LEDGER_LOOKUP_FAILED", "Failed to load ledger entry", err)
			} else if entry != nil {
				settlementRef = entry.UUID.String()
			}
			if err := e.sessionRepo.MarkSettled(txCtx, token, existing.UUID.String(), settlementRef); err != nil {
				return NewBusinessError("SETTLEMENT_WRITEBACK_FAILED", "Failed to record settlement on session", err)
			}
			result = &SettlementResult{
				Token:          token,
				RewardID:       existing.UUID.String(),
				OfferID:        existing.OfferID,
				SettlementRef:  settlementRef,
				AlreadySettled: true,
			}
			return nil
		}

		result, err = e.settle(txCtx, session)
		return err
	})
	if err != nil {
		metrics.ObserveSettlement(metrics.OutcomeError)
		e.logger.Error("settlement failed", zap.String("token", token), zap.Error(err))
		subscriber := ""
		if session != nil {
			subscriber = session.SubscriberID
		}
		_ = e.audit.write(ctx, token, subscriber, nil, auditEntry{
			Action:      models.AuditActionSettlementFailed,
			Description: "Settlement failed",
			Success:     false,
			ErrorMsg:    err.Error(),
		})
		return nil, err
	}

	if result.AlreadySettled {
		metrics.ObserveSettlement("replayed")
		return result, nil
	}

	metrics.ObserveSettlement("settled")
	e.logger.Info("settlement completed",
		zap.String("token", token),
		zap.String("offer_id", result.OfferID),
		zap.Int64("debited", result.Debited),
		zap.Int64("sponsor_remaining", result.SponsorRemaining),
	)
	_ = e.audit.write(ctx, token, session.SubscriberID, nil, auditEntry{
		Action:      models.AuditActionSettlementSucceeded,
		Description: fmt.Sprintf("Deducted %d and granted %s", result.Debited, result.OfferID),
		Success:     true,
		Metadata: map[string]any{
			"reward_id":          result.RewardID,
			"offer_id":           result.OfferID,
			"settlement_ref":     result.SettlementRef,
			"debited":            result.Debited,
			"sponsor_remaining":  result.SponsorRemaining,
			"sponsor_ads_paused": result.SponsorAdsPaused,
		},
	})
	return result, nil
}

func (e *SettlementEngineImpl) replay(ctx context.Context, session *models.WatchSession) (*SettlementResult, error) {
	res := &SettlementResult{
		Token:          session.Token,
		RewardID:       utils.DerefString(session.RewardRef),
		SettlementRef:  utils.DerefString(session.SettlementRef),
		AlreadySettled: true,
	}
	reward, err := e.rewardRepo.ByToken(ctx, session.Token)
	if err != nil {
		return nil, NewBusinessError("REWARD_LOOKUP_FAILED", "Failed to load reward", err)
	}
	if reward != nil {
		res.OfferID = reward.OfferID
	}
	return res, nil
}

func (e *SettlementEngineImpl) settle(ctx context.Context, session *models.WatchSession) (*SettlementResult, error) {
	ad, err := e.adRepo.ByIDForUpdate(ctx, session.AdID)
	if err != nil {
		return nil, NewBusinessError("AD_LOOKUP_FAILED", "Failed to load ad", err)
	}
	if ad == nil {
		return nil, NewBusinessErrorf("AD_NOT_FOUND", "Ad %d not found", ErrAdNotFound, session.AdID)
	}
	sponsor, err := e.sponsorRepo.ByIDForUpdate(ctx, session.SponsorID)
	if err != nil {
		return nil, NewBusinessError("SPONSOR_LOOKUP_FAILED", "Failed to load sponsor", err)
	}
	if sponsor == nil {
		return nil, NewBusinessErrorf("SPONSOR_NOT_FOUND", "Sponsor %d not found", ErrSponsorNotFound, session.SponsorID)
	}

	cost := ad.EffectiveCostPerView(e.defaultCost)
	previous := sponsor.RemainingBudget
	remaining := max(previous-cost, 0)
	debited := previous - remaining

	if err := e.sponsorRepo.UpdateRemainingBudget(ctx, sponsor.ID, remaining); err != nil {
		return nil, NewBusinessError("SPONSOR_DEBIT_FAILED", "Failed to debit sponsor", err)
	}

	var paused int64
	if remaining == 0 {
		paused, err = e.adRepo.PauseActiveBySponsor(ctx, sponsor.ID)
		if err != nil {
			return nil, NewBusinessError("SPONSOR_ADS_PAUSE_FAILED", "Failed to pause sponsor ads", err)
		}
		e.logger.Info("sponsor budget depleted, ads paused",
			zap.Uint("sponsor_id", sponsor.ID),
			zap.Int64("paused", paused),
		)
	}

	adRemaining := max(ad.RemainingBudget-cost, 0)
	adStatus := ad.Status
	if adRemaining == 0 && adStatus == models.AdStatusActive {
		adStatus = models.AdStatusPaused
	}
	if remaining == 0 && adStatus == models.AdStatusActive {
		adStatus = models.AdStatusPaused
	}
	if err := e.adRepo.UpdateRemainingBudget(ctx, ad.ID, adRemaining, adStatus); err != nil {
		return nil, NewBusinessError("AD_DEBIT_FAILED", "Failed to debit ad allocation", err)
	}

	description := fmt.Sprintf("Deducted %d for ad %d", debited, ad.ID)
	meta, _ := json.Marshal(map[string]any{
		"subscriber_id": session.SubscriberID,
		"cost_per_view": cost,
		"ad_remaining":  adRemaining,
	})
	entry := &models.SponsorTransaction{
		SponsorID:      sponsor.ID,
		AdID:           &ad.ID,
		Type:           models.SponsorTransactionTypeDeduction,
		Amount:         debited,
		PreviousBudget: previous,
		NewBudget:      remaining,
		Reason:         utils.DeductionReason,
		Description:    &description,
		Reference:      session.Token,
		Metadata:       datatypes.JSON(meta),
	}
	if err := e.sponsorTxRepo.Save(ctx, entry); err != nil {
		return nil, NewBusinessError("LEDGER_ENTRY_FAILED", "Failed to record ledger entry", err)
	}

	grantedAt := e.now()
	reward := &models.Reward{
		Token:        session.Token,
		SubscriberID: session.SubscriberID,
		AdID:         ad.ID,
		SponsorID:    sponsor.ID,
		OfferID:      utils.OfferIDPrefix + e.node.Generate().String(),
		Status:       models.RewardStatusGranted,
		GrantedAt:    &grantedAt,
	}
	if err := e.rewardRepo.Save(ctx, reward); err != nil {
		return nil, NewBusinessError("REWARD_GRANT_FAILED", "Failed to grant reward", err)
	}

	settlementRef := entry.UUID.String()
	if err := e.sessionRepo.MarkSettled(ctx, session.Token, reward.UUID.String(), settlementRef); err != nil {
		return nil, NewBusinessError("SETTLEMENT_WRITEBACK_FAILED", "Failed to record settlement on session", err)
	}

	return &SettlementResult{
		Token:            session.Token,
		RewardID:         reward.UUID.String(),
		OfferID:          reward.OfferID,
		SettlementRef:    settlementRef,
		Debited:          debited,
		SponsorRemaining: remaining,
		SponsorAdsPaused: paused,
	}, nil
}
